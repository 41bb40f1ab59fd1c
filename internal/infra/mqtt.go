// README: MQTT bridge mirroring order-room events to <prefix>/orders/<number>/<event>.
package infra

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"courier/internal/config"
)

const mqttPublishTimeout = 5 * time.Second

// mqttClient is the subset of mqtt.Client the bridge uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTBridge struct {
	client mqttClient
	prefix string
	logger zerolog.Logger
}

// NewMQTTBridge connects to the configured broker.
func NewMQTTBridge(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTBridge, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", token.Error())
	}
	return newMQTTBridge(client, cfg.TopicPrefix, logger), nil
}

func newMQTTBridge(client mqttClient, prefix string, logger zerolog.Logger) *MQTTBridge {
	return &MQTTBridge{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With().Str("component", "mqtt").Logger(),
	}
}

func (b *MQTTBridge) Topic(orderNumber, event string) string {
	return fmt.Sprintf("%s/orders/%s/%s", b.prefix, orderNumber, event)
}

// Publish sends payload as JSON at QoS 0 without waiting for the broker. Failures are logged.
func (b *MQTTBridge) Publish(orderNumber, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("encode mqtt payload")
		return
	}
	topic := b.Topic(orderNumber, event)
	token := b.client.Publish(topic, 0, false, body)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			b.logger.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (b *MQTTBridge) Close() {
	b.client.Disconnect(250)
}
