package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DefaultMQTTServer   = "tcp://localhost:1883"
	DefaultMQTTClientID = "openmeasurementcore"
	DefaultMQTTTopic    = "measurement"

	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

// MQTTConfig configures the MQTT export sink.
type MQTTConfig struct {
	Server      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	QueueSize   int
}

// publisher is the subset of mqtt.Client used by the sink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes every sample as JSON to <prefix>/<channel path>.
type MQTTSink struct {
	client  publisher
	prefix  string
	qos     byte
	queue   chan mqttMessage
	pending atomic.Int64
	done    chan struct{}
	logger  *zap.Logger
}

type mqttMessage struct {
	topic   string
	payload []byte
}

type mqttPayload struct {
	Value     float64 `json:"value"`
	Raw       float64 `json:"raw"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp int64   `json:"timestamp_ms"`
}

// NewMQTTSink connects to the broker and starts the publish worker.
func NewMQTTSink(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultMQTTServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultMQTTClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	logger.Info("MQTT export connected", zap.String("server", cfg.Server))
	return newMQTTSink(client, cfg, logger), nil
}

func newMQTTSink(client publisher, cfg MQTTConfig, logger *zap.Logger) *MQTTSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultMQTTTopic
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	s := &MQTTSink{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		queue:  make(chan mqttMessage, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.publishLoop()
	return s
}

// Topic returns the topic a sample of path is published to.
func (s *MQTTSink) Topic(path string) string {
	return s.prefix + "/" + strings.Trim(path, "/")
}

func (s *MQTTSink) Write(sample Sample) error {
	payload, err := json.Marshal(mqttPayload{
		Value:     sample.Value,
		Raw:       sample.Raw,
		Unit:      sample.Unit,
		Timestamp: sample.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}

	s.pending.Inc()
	select {
	case s.queue <- mqttMessage{topic: s.Topic(sample.Path), payload: payload}:
		return nil
	default:
		s.pending.Dec()
		return fmt.Errorf("mqtt queue full, sample for %s dropped", sample.Path)
	}
}

func (s *MQTTSink) publishLoop() {
	defer close(s.done)
	for msg := range s.queue {
		token := s.client.Publish(msg.topic, s.qos, false, msg.payload)
		if !token.WaitTimeout(publishTimeout) {
			s.logger.Warn("MQTT publish timed out", zap.String("topic", msg.topic))
		} else if err := token.Error(); err != nil {
			s.logger.Warn("MQTT publish failed", zap.String("topic", msg.topic), zap.Error(err))
		}
		s.pending.Dec()
	}
}

// Flush waits until every queued sample was handed to the broker.
func (s *MQTTSink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("mqtt flush: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (s *MQTTSink) Close() error {
	close(s.queue)
	<-s.done
	s.client.Disconnect(disconnectQuiesce)
	return nil
}
