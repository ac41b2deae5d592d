package exchangeapi

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/simtrader/pkg/models"
)

type AuthType string

const (
	AuthTypeLegacy AuthType = "legacy"
	AuthTypeJWT    AuthType = "jwt"
)

// Authenticator produces the headers that sign a single request.
type Authenticator interface {
	Type() AuthType
	Headers(method, host, path, body string) (map[string]string, error)
}

// NewAuthenticator picks JWT when the credentials carry a private key and
// falls back to key/secret HMAC signing otherwise.
func NewAuthenticator(creds models.Credentials) (Authenticator, error) {
	if creds.UsesJWT() {
		name := creds.APIKeyName
		if name == "" {
			name = creds.APIKey
		}
		return NewJWTAuthenticator(name, creds.PrivateKeyPEM)
	}
	return NewLegacyAuthenticator(creds.APIKey, creds.APISecret, creds.Passphrase), nil
}

// LegacyAuthenticator signs timestamp+method+path+body with HMAC-SHA256.
type LegacyAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

func NewLegacyAuthenticator(apiKey, apiSecret, passphrase string) *LegacyAuthenticator {
	return &LegacyAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		now:        time.Now,
	}
}

func (l *LegacyAuthenticator) Type() AuthType { return AuthTypeLegacy }

func (l *LegacyAuthenticator) Headers(method, _, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(l.now().Unix(), 10)
	headers := map[string]string{
		"X-ACCESS-KEY":       l.apiKey,
		"X-ACCESS-SIGN":      Sign(l.apiSecret, timestamp+method+path+body),
		"X-ACCESS-TIMESTAMP": timestamp,
	}
	if l.passphrase != "" {
		headers["X-ACCESS-PASSPHRASE"] = l.passphrase
	}
	return headers, nil
}

// Sign returns the base64 HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// JWTAuthenticator issues a short-lived ES256 bearer token per request.
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	key, err := ParseECPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTAuthenticator{apiKeyName: apiKeyName, privateKey: key}, nil
}

// ParseECPrivateKey accepts SEC1 and PKCS8 encoded EC keys.
func ParseECPrivateKey(privateKeyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an EC private key")
	}
	return key, nil
}

func (j *JWTAuthenticator) Type() AuthType { return AuthTypeJWT }

func (j *JWTAuthenticator) Headers(method, host, path, _ string) (map[string]string, error) {
	token, err := j.generateJWT(method, host, path)
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT: %w", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   j.apiKeyName,
		"iss":   "simtrader",
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	signed, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
