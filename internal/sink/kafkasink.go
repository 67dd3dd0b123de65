package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/shortontech/formrelay/internal/metrics"
)

const (
	defaultKafkaBrokers = "localhost:9092"
	defaultKafkaTopic   = "formrelay.deliveries"
	deliverySchema      = "v1"
	kafkaFlushTimeout   = 10 * time.Second
)

var errProducerNotStarted = errors.New("kafka sink: producer not started")

// KafkaConfig describes the delivery topic and how to reach the cluster.
// SASL and TLS fields are optional; leaving them empty means PLAINTEXT.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Acks        string
	Compression string

	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	TLSCAPath     string
	TLSSkipVerify bool
}

// KafkaSink produces deliveries keyed by session id, so every channel
// outcome of one submission lands on the same partition.
type KafkaSink struct {
	config   KafkaConfig
	producer *kafka.Producer
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
}

// NewKafkaSinkFromEnv reads KAFKA_* variables.
func NewKafkaSinkFromEnv(m *metrics.Metrics, log logrus.FieldLogger) *KafkaSink {
	var brokers []string
	for _, b := range strings.Split(getEnvOr("KAFKA_BROKERS", defaultKafkaBrokers), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return NewKafkaSink(KafkaConfig{
		Brokers:       brokers,
		Topic:         getEnvOr("KAFKA_TOPIC", defaultKafkaTopic),
		Acks:          getEnvOr("KAFKA_ACKS", "all"),
		Compression:   os.Getenv("KAFKA_COMPRESSION"),
		SASLMechanism: os.Getenv("KAFKA_SASL_MECHANISM"),
		SASLUser:      os.Getenv("KAFKA_SASL_USER"),
		SASLPassword:  os.Getenv("KAFKA_SASL_PASSWORD"),
		TLSCAPath:     os.Getenv("KAFKA_TLS_CA"),
		TLSSkipVerify: getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
	}, m, log)
}

func NewKafkaSink(config KafkaConfig, m *metrics.Metrics, log logrus.FieldLogger) *KafkaSink {
	if config.Acks == "" {
		config.Acks = "all"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KafkaSink{config: config, metrics: m, log: log.WithField("sink", "kafka")}
}

func (s *KafkaSink) Name() string { return "kafka" }

// securityProtocol derives librdkafka's security.protocol from which of
// SASL and TLS are configured.
func (c KafkaConfig) securityProtocol() string {
	switch {
	case c.SASLMechanism != "":
		return "SASL_SSL"
	case c.TLSCAPath != "":
		return "SSL"
	}
	return ""
}

func (s *KafkaSink) configMap() kafka.ConfigMap {
	c := s.config
	cm := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"acks":              c.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}

	optional := map[string]string{
		"compression.type":  c.Compression,
		"security.protocol": c.securityProtocol(),
		"sasl.username":     c.SASLUser,
		"sasl.password":     c.SASLPassword,
		"ssl.ca.location":   c.TLSCAPath,
	}
	if c.SASLMechanism != "" {
		optional["sasl.mechanism"] = c.SASLMechanism
	} else {
		// credentials without a mechanism are ignored
		delete(optional, "sasl.username")
		delete(optional, "sasl.password")
	}
	for k, v := range optional {
		if v != "" {
			cm[k] = v
		}
	}

	if c.TLSSkipVerify {
		cm["ssl.endpoint.identification.algorithm"] = "none"
	}
	return cm
}

func (s *KafkaSink) Start(ctx context.Context) error {
	cm := s.configMap()
	producer, err := kafka.NewProducer(&cm)
	if err != nil {
		return fmt.Errorf("kafka sink: create producer: %w", err)
	}
	s.producer = producer
	s.log.WithFields(logrus.Fields{
		"brokers": s.config.Brokers,
		"topic":   s.config.Topic,
	}).Info("kafka sink started")

	go s.watchEvents(ctx)
	return nil
}

// message builds the record for d. Kind and status travel as headers so
// consumers can filter without decoding the value.
func (s *KafkaSink) message(d Delivery) (*kafka.Message, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: encode delivery: %w", err)
	}
	topic := s.config.Topic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(d.SessionID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(d.Kind)},
			{Key: "status", Value: []byte(d.Status)},
			{Key: "schema", Value: []byte(deliverySchema)},
		},
	}, nil
}

func (s *KafkaSink) Enqueue(d Delivery) error {
	if s.producer == nil {
		return errProducerNotStarted
	}
	msg, err := s.message(d)
	if err != nil {
		return err
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("kafka sink: produce: %w", err)
	}
	s.metrics.SetQueueDepth(s.Name(), float64(s.producer.Len()))
	return nil
}

// Close flushes pending records and reports how many were left behind.
func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}
	left := s.producer.Flush(int(kafkaFlushTimeout / time.Millisecond))
	s.producer.Close()
	s.metrics.SetQueueDepth(s.Name(), float64(left))
	if left > 0 {
		return fmt.Errorf("kafka sink: %d deliveries not flushed", left)
	}
	return nil
}

func (s *KafkaSink) watchEvents(ctx context.Context) {
	events := s.producer.Events()
	for {
		var ev kafka.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := e.TopicPartition.Error; err != nil {
				s.log.WithError(err).WithField("session_id", string(e.Key)).Error("delivery not acknowledged")
				s.metrics.IncrementSinkErrors(s.Name(), "delivery")
			}
		case kafka.Error:
			s.log.WithError(e).WithField("code", e.Code().String()).Error("producer error")
			s.metrics.IncrementSinkErrors(s.Name(), "client")
		}
	}
}

func getEnvOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off":
		return false
	}
	return def
}
