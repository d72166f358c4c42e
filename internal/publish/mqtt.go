package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// mqttClient is the subset of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes payloads to one MQTT topic with QoS 1.
type MQTTPublisher struct {
	client mqttClient
	topic  string
	logger *slog.Logger
}

const (
	mqttQoS            = 1
	mqttConnectTimeout = 30 * time.Second
	mqttQuiesceMillis  = 250
)

// DialMQTT connects to the broker described by conn; see parseConnString
// for the accepted forms.
func DialMQTT(ctx context.Context, conn string, logger *slog.Logger) (*MQTTPublisher, error) {
	cs, err := parseConnString(conn)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cs.clientID
	if clientID == "" {
		clientID = "trapwatch-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cs.brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetCredentialsProvider(func() (string, string) {
			return cs.credentials(time.Now())
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("publish: mqtt connected", "broker", cs.brokerURL, "client_id", clientID)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("publish: mqtt connection lost", "broker", cs.brokerURL, "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("publish: mqtt connect %s: %w", cs.brokerURL, err)
	}
	return &MQTTPublisher{client: client, topic: cs.topic, logger: logger}, nil
}

// Publish sends payload and waits for the broker's acknowledgement.
func (p *MQTTPublisher) Publish(ctx context.Context, trapID string, payload []byte) error {
	token := p.client.Publish(p.topic, mqttQoS, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("publish: mqtt publish for %s: %w", trapID, err)
	}
	p.logger.Debug("publish: mqtt message sent", "trap_id", trapID, "topic", p.topic, "bytes", len(payload))
	return nil
}

// Close disconnects after letting in-flight messages finish.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttQuiesceMillis)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
