// Package kafka moves scan jobs and completion notifications over Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// ClientConfig contains all configuration needed for Kafka client setup
type ClientConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
}

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, newSaramaConfig(cfg))
}

func newSaramaConfig(cfg *ClientConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false
	// Scans run for minutes; the claim loop must not be considered stuck.
	config.Consumer.Group.Rebalance.Timeout = 2 * time.Minute
	config.Consumer.MaxProcessingTime = time.Hour

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return config
}

// Connection bundles the producer and consumer group built from one client.
type Connection struct {
	Producer      sarama.SyncProducer
	ConsumerGroup sarama.ConsumerGroup
}

// Close closes the producer and the consumer group.
func (c *Connection) Close() error {
	perr := c.Producer.Close()
	cerr := c.ConsumerGroup.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

// Connect creates a sync producer and a consumer group from client, retrying
// with exponential backoff while the brokers come up.
func Connect(ctx context.Context, cfg *ClientConfig, client sarama.Client) (*Connection, error) {
	var conn *Connection

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close() // Clean up on failure
			return fmt.Errorf("creating consumer group: %w", err)
		}

		conn = &Connection{Producer: producer, ConsumerGroup: consumerGroup}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	return conn, nil
}
