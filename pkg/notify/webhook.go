package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const SignatureHeader = "X-Signature"

type WebhookConfig struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	RetryCount int
	RateLimit  float64 // requests per second
	Burst      int
}

// WebhookDispatcher POSTs events as JSON. When a secret is set the body is
// signed with an HS256 token carrying the body's SHA-256.
type WebhookDispatcher struct {
	client  *resty.Client
	url     string
	secret  []byte
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func NewWebhookDispatcher(cfg WebhookConfig, logger *logrus.Logger) *WebhookDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &WebhookDispatcher{
		client:  client,
		url:     cfg.URL,
		secret:  []byte(cfg.Secret),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger,
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, ev Event) bool {
	log := d.logger.WithFields(logrus.Fields{"event_id": ev.ID, "kind": ev.Kind})

	body, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Warn("Failed to encode notification")
		return false
	}
	if err := d.limiter.Wait(ctx); err != nil {
		log.WithError(err).Warn("Notification rate limiter")
		return false
	}

	req := d.client.R().SetContext(ctx).SetBody(body)
	if len(d.secret) > 0 {
		sig, err := Sign(d.secret, body)
		if err != nil {
			log.WithError(err).Warn("Failed to sign notification")
			return false
		}
		req.SetHeader(SignatureHeader, sig)
	}

	resp, err := req.Post(d.url)
	if err != nil {
		log.WithError(err).Warn("Webhook delivery failed")
		return false
	}
	if resp.IsError() {
		log.WithField("status", resp.StatusCode()).Warn("Webhook rejected notification")
		return false
	}
	return true
}

type signatureClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// Sign returns an HS256 token binding the body hash.
func Sign(secret, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "simtrader",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks a signature produced by Sign against body.
func Verify(secret, body []byte, token string) bool {
	var claims signatureClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return false
	}
	sum := sha256.Sum256(body)
	return claims.BodySHA256 == hex.EncodeToString(sum[:])
}
