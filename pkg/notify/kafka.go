package notify

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/sirupsen/logrus"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
	// SASL/PLAIN is used when Username is set.
	Username string
	Password string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes events keyed by account so one account's events
// stay ordered within a partition.
type KafkaDispatcher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *logrus.Logger
}

func NewKafkaDispatcher(cfg KafkaConfig, logger *logrus.Logger) *KafkaDispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
	}
	if cfg.Username != "" {
		w.Transport = &kafka.Transport{
			SASL: plain.Mechanism{Username: cfg.Username, Password: cfg.Password},
		}
	}
	logger.WithFields(logrus.Fields{"brokers": cfg.Brokers, "topic": cfg.Topic}).Info("Kafka notifications enabled")
	return newKafkaDispatcher(w, cfg.WriteTimeout, logger)
}

func newKafkaDispatcher(w messageWriter, timeout time.Duration, logger *logrus.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{writer: w, timeout: timeout, logger: logger}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, ev Event) bool {
	value, err := json.Marshal(ev)
	if err != nil {
		d.logger.WithError(err).WithField("event_id", ev.ID).Warn("Failed to encode notification")
		return false
	}
	key := ev.AccountID
	if key == "" {
		key = string(ev.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	})
	if err != nil {
		d.logger.WithError(err).WithField("event_id", ev.ID).Warn("Kafka publish failed")
		return false
	}
	return true
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
