package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// MQTTConfig describes the authenticated outbound MQTT endpoint, AWS IoT
// style: mutual TLS with a root CA plus client certificate and key.
type MQTTConfig struct {
	Endpoint    string
	Port        int
	ClientID    string
	RootCA      string
	Certificate string
	PrivateKey  string
	Topic       string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTChannel publishes telemetry payloads to a fixed topic at QOS 0.
// Reconnects after a broken connection are handled by the paho client in the
// background; publishes during an outage fail and are not queued here.
type MQTTChannel struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTTChannel loads the credential material, connects and returns the
// channel. A connect failure is fatal to the caller: the bridge does not
// start polling without an outbound channel.
func NewMQTTChannel(cfg MQTTConfig) (*MQTTChannel, error) {
	tlsCfg, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	broker := fmt.Sprintf("tls://%s:%d", cfg.Endpoint, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetTLSConfig(tlsCfg).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", broker).Str("client_id", cfg.ClientID).Msg("mqtt connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, errors.Errorf("connect %s: timeout after %s", broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", broker)
	}

	return &MQTTChannel{client: client, topic: cfg.Topic, timeout: publishTimeout}, nil
}

func (c *MQTTChannel) Publish(ctx context.Context, payload []byte) error {
	token := c.client.Publish(c.topic, 0, false, payload)

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		return errors.Errorf("publish to %s: timeout after %s", c.topic, timeout)
	}
	return errors.Wrapf(token.Error(), "publish to %s", c.topic)
}

func (c *MQTTChannel) Close() error {
	c.client.Disconnect(250)
	return nil
}

func newTLSConfig(cfg MQTTConfig) (*tls.Config, error) {
	pem, err := os.ReadFile(cfg.RootCA)
	if err != nil {
		return nil, errors.Wrap(err, "read root CA")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates found in %s", cfg.RootCA)
	}
	cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "load client keypair")
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
