// Package mqtt publishes governor status to an MQTT broker, with an
// availability topic so subscribers can tell a silent daemon from a dead one.
package mqtt

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/governor"
	"codeberg.org/mutker/picogov/internal/logger"
)

const (
	defaultTopic         = "picogov"
	connectRetryInterval = 5 * time.Second
	disconnectQuiesce    = 250 // milliseconds

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Config holds the broker connection settings. Topic is the base topic;
// status is published on <topic>/status and availability on
// <topic>/availability.
type Config struct {
	Broker   string
	Topic    string
	Username string
	Password string
	ClientID string
}

// Publisher maintains the broker connection and publishes status documents.
// The connection auto-reconnects; publishes are skipped while disconnected.
type Publisher struct {
	client paho.Client
	topic  string
}

func New(cfg Config) (*Publisher, error) {
	errFactory := errors.New()

	if cfg.Broker == "" {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "broker address is required")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}
	availability := topic + "/availability"

	opts := paho.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(clientID(cfg.ClientID))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(connectRetryInterval)
	opts.SetWill(availability, payloadOffline, 1, true)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
		client.Publish(availability, 1, true, payloadOnline)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errFactory.Wrap(ErrConnectFailed, token.Error())
	}

	return &Publisher{client: client, topic: topic}, nil
}

// PublishStatus publishes the snapshot on the status topic. Returns nil
// without publishing while the broker is unreachable.
func (p *Publisher) PublishStatus(s governor.Snapshot) error {
	errFactory := errors.New()

	if !p.client.IsConnected() {
		logger.Debug().Msg("MQTT broker not connected, skipping status publish")
		return nil
	}

	payload, err := json.Marshal(NewStatusPayload(s))
	if err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}

	token := p.client.Publish(p.topic+"/status", 0, false, payload)
	if token.Wait() && token.Error() != nil {
		return errFactory.Wrap(ErrPublishFailed, token.Error())
	}

	return nil
}

// Close marks the daemon offline and disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		token := p.client.Publish(p.topic+"/availability", 1, true, payloadOffline)
		token.Wait()
	}

	p.client.Disconnect(disconnectQuiesce)
	logger.Debug().Msg("Disconnected from MQTT broker")
}

// brokerURL normalizes a bare host:port to a tcp:// URL. Addresses that
// already carry a scheme pass through unchanged.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}

	return "tcp://" + broker
}

func clientID(configured string) string {
	if configured != "" {
		return configured
	}

	host, err := os.Hostname()
	if err != nil {
		return defaultTopic
	}

	return defaultTopic + "-" + host
}
