package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Getter resolves a named secret.
type Getter interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless a
// credentials file is given.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// WithDefault returns the trimmed secret, or def when it cannot be read.
// Secret values are never logged.
func WithDefault(ctx context.Context, g Getter, secretName, def string, logger *logrus.Logger) string {
	if secretName == "" {
		return def
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return def
	}
	return strings.TrimSpace(value)
}

type SecretNames struct {
	WebhookSecret    string `mapstructure:"webhook_secret"`
	MarketDataAPIKey string `mapstructure:"market_data_api_key"`
	KafkaPassword    string `mapstructure:"kafka_password"`
	PostgresPassword string `mapstructure:"postgres_password"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		WebhookSecret:    "simtrader-webhook-secret",
		MarketDataAPIKey: "simtrader-market-data-api-key",
		KafkaPassword:    "simtrader-kafka-password",
		PostgresPassword: "simtrader-postgres-password",
	}
}
