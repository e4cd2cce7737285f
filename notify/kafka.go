package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inomad/custody-backend/interfaces"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka notifier.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	// EnsureTopic creates the topic on startup when it does not exist.
	EnsureTopic       bool
	Partitions        int32
	ReplicationFactor int16
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaNotifier publishes notifications to a Kafka topic. Records are keyed
// by destination so one recipient's messages stay ordered.
type KafkaNotifier struct {
	client producer
	topic  string
	log    *slog.Logger
	now    func() time.Time
}

// NewKafkaNotifier connects to the brokers. With EnsureTopic set the topic
// is created if missing.
func NewKafkaNotifier(ctx context.Context, cfg KafkaConfig, log *slog.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "custody-notify"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if cfg.EnsureTopic {
		if err := ensureTopic(ctx, client, cfg); err != nil {
			client.Close()
			return nil, err
		}
	}

	return newKafkaNotifier(client, cfg.Topic, log), nil
}

func newKafkaNotifier(client producer, topic string, log *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{client: client, topic: topic, log: log, now: time.Now}
}

func ensureTopic(ctx context.Context, client *kgo.Client, cfg KafkaConfig) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	resp, err := kadm.NewClient(client).CreateTopic(ctx, partitions, replication, nil, cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	return nil
}

func (n *KafkaNotifier) SendCode(ctx context.Context, destination, code string, codeCtx interfaces.CodeContext) error {
	return n.publish(ctx, Message{
		Kind:        KindVerificationCode,
		Destination: destination,
		Channel:     codeCtx.Channel,
		Code:        code,
		SessionID:   codeCtx.SessionID,
		WalletRef:   codeCtx.WalletAddress,
	})
}

func (n *KafkaNotifier) NotifyGuardian(ctx context.Context, destination, requesterName, walletRef, approvalLink string) error {
	return n.publish(ctx, Message{
		Kind:          KindGuardianApproval,
		Destination:   destination,
		WalletRef:     walletRef,
		RequesterName: requesterName,
		ApprovalLink:  approvalLink,
	})
}

func (n *KafkaNotifier) NotifyRecoveryComplete(ctx context.Context, destination, walletRef string) error {
	return n.publish(ctx, Message{
		Kind:        KindRecoveryComplete,
		Destination: destination,
		WalletRef:   walletRef,
	})
}

func (n *KafkaNotifier) publish(ctx context.Context, msg Message) error {
	msg.CreatedAt = n.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	record := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(msg.Destination),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	}
	if err := n.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish %s notification: %w", msg.Kind, err)
	}
	n.log.Debug("Published notification", "kind", msg.Kind, "topic", n.topic)
	return nil
}

// Close flushes and closes the client.
func (n *KafkaNotifier) Close() {
	n.client.Close()
}
