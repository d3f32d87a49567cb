package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

// DefaultTopicPrefix is the topic root MQTTSink publishes under.
const DefaultTopicPrefix = "sensorlink"

// Publisher is the part of mqtt.Client that MQTTSink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the retained payload published per sensor.
type Message struct {
	Sensor    string    `json:"sensor"`
	ID        byte      `json:"id"`
	Samples   []float64 `json:"samples"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MQTTSink publishes each payload as a retained message on
// <TopicPrefix>/<sensor name>, so a new subscriber sees the latest value.
type MQTTSink struct {
	Client      Publisher
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// NewMQTTSink publishes through client with QoS 1.
func NewMQTTSink(client Publisher, prefix string) *MQTTSink {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTSink{Client: client, TopicPrefix: prefix, QoS: 1, Timeout: 5 * time.Second}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic a sensor is published on.
func (s *MQTTSink) Topic(sensor string) string {
	return strings.TrimSuffix(s.TopicPrefix, "/") + "/" + sensor
}

func (s *MQTTSink) Store(ctx context.Context, snap sensors.Snapshot) error {
	data, err := json.Marshal(Message{
		Sensor:    snap.Sensor.Name,
		ID:        snap.Sensor.ID,
		Samples:   snap.Samples,
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", snap.Sensor.Name, err)
	}

	topic := s.Topic(snap.Sensor.Name)
	token := s.Client.Publish(topic, s.QoS, true, data)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	monitoring.Tracef("published %s (%d bytes)", topic, len(data))
	return nil
}

// NewMQTTClient builds a reconnecting client for broker (for example
// "tcp://localhost:1883"). Call ConnectMQTT before publishing.
func NewMQTTClient(broker, clientID string) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		monitoring.Logf("mqtt connected to %s", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("mqtt connection to %s lost: %v", broker, err)
	})
	return mqtt.NewClient(opts)
}

// ConnectMQTT waits for the initial connection, giving up when ctx ends.
func ConnectMQTT(ctx context.Context, client mqtt.Client) error {
	if client.IsConnected() {
		return nil
	}
	token := client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
