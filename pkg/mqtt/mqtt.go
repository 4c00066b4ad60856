// Package mqtt provides the MQTT-backed pub/sub transport used by the event
// dispatcher.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client defines the subset of the paho client the transport uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Transport publishes tracking envelopes to an MQTT broker.
type Transport struct {
	client Client
	qos    byte
	logger zerolog.Logger
}

// NewTransport creates an unconnected transport. Initialize must be called
// before Publish.
func NewTransport(qos byte, logger zerolog.Logger) *Transport {
	return &Transport{qos: qos, logger: logger}
}

// Initialize sets up the MQTT client and connects to the broker. caCertPath
// may be empty for plaintext brokers.
func (t *Transport) Initialize(broker, clientID, caCertPath string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	t.client = client
	t.logger.Info().Str("broker", broker).Str("client_id", clientID).Msg("MQTT transport connected")
	return nil
}

// Publish sends a payload to the topic, honoring context cancellation while
// waiting for the broker's acknowledgement.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if t.client == nil {
		return fmt.Errorf("mqtt transport is not initialized")
	}
	token := t.client.Publish(topic, t.qos, false, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

// Subscribe registers a handler for a topic filter.
func (t *Transport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if t.client == nil {
		return fmt.Errorf("mqtt transport is not initialized")
	}
	token := t.client.Subscribe(topic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	t.logger.Info().Str("topic", topic).Msg("Subscribed to MQTT topic")
	return nil
}

// Disconnect gracefully disconnects from the broker.
func (t *Transport) Disconnect(quiesce uint) {
	if t.client != nil {
		t.client.Disconnect(quiesce)
	}
}
