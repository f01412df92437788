package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is re-exported type for handlers
type Message = mqtt.Message

// Token is re-exported so callers can fake the client.
type Token = mqtt.Token

const DefaultBrokerURL = "mqtt://localhost:1883"

// Broker is a parsed broker URL in the form paho expects.
type Broker struct {
	Server   string
	Username string
	Password string
	TLS      bool
}

// ParseBrokerURL maps mqtt/tcp to tcp://, ssl/tls/mqtts to ssl:// and keeps ws/wss
// with their path. User info becomes the credentials.
func ParseBrokerURL(raw string) (Broker, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultBrokerURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Broker{}, fmt.Errorf("parse broker url: %w", err)
	}
	if u.Host == "" {
		return Broker{}, errors.New("broker url has no host")
	}
	var b Broker
	switch u.Scheme {
	case "mqtt", "tcp":
		b.Server = "tcp://" + u.Host
	case "ssl", "tls", "mqtts":
		b.Server = "ssl://" + u.Host
		b.TLS = true
	case "ws", "wss":
		b.Server = u.Scheme + "://" + u.Host + u.Path
		b.TLS = u.Scheme == "wss"
	default:
		return Broker{}, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.User != nil {
		b.Username = u.User.Username()
		b.Password, _ = u.User.Password()
	}
	return b, nil
}

// NewClientOptions builds options with paho's own reconnect logic disabled; the
// caller owns the reconnect schedule.
func NewClientOptions(brokerURL, clientID string) (*mqtt.ClientOptions, error) {
	b, err := ParseBrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.Server)
	if strings.TrimSpace(clientID) == "" {
		clientID = "telemetry-service-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	if b.Username != "" {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}
	if b.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts, nil
}

// Publisher is a plain connected client used by the sensor simulator.
type Publisher struct {
	cli mqtt.Client
	qos byte
}

func NewPublisher(brokerURL, clientID string, qos byte) (*Publisher, error) {
	opts, err := NewClientOptions(brokerURL, clientID)
	if err != nil {
		return nil, err
	}
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(_ mqtt.Client) { slog.Info("mqtt connected", "broker", brokerURL) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { slog.Warn("mqtt connection lost", "error", err) }
	cli := mqtt.NewClient(opts)
	tok := cli.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Publisher{cli: cli, qos: qos}, nil
}

func (p *Publisher) Publish(topic string, payload []byte, retain bool) error {
	t := p.cli.Publish(topic, p.qos, retain, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (p *Publisher) Close() {
	if p == nil || p.cli == nil {
		return
	}
	p.cli.Disconnect(1000)
}
