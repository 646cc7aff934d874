package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/events"
)

var ErrNotConnected = fmt.Errorf("mqtt: not connected: %w", events.ErrDropped)

var topicLevel = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// MQTTPublisher publishes session events to a broker.
type MQTTPublisher struct {
	cliCfg     autopaho.ClientConfig
	mu         sync.RWMutex
	connection *autopaho.ConnectionManager
	prefix     string
	logger     *zap.Logger
}

// NewMQTTPublisher builds publisher for brokerURL.
func NewMQTTPublisher(brokerURL, clientID, prefix string, logger *zap.Logger) (*MQTTPublisher, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: broker url: %w", err)
	}
	p := &MQTTPublisher{prefix: prefix, logger: logger}
	p.cliCfg = autopaho.ClientConfig{
		BrokerUrls: []*url.URL{u},
		KeepAlive:  20,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("mqtt connection up", zap.String("broker", u.Redacted()))
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connect failed", zap.String("broker", u.Redacted()), zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			Router:   paho.NewStandardRouter(),
			OnClientError: func(err error) {
				logger.Warn("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					logger.Warn("mqtt server requested disconnect", zap.String("reason", d.Properties.ReasonString))
					return
				}
				logger.Warn("mqtt server requested disconnect", zap.Uint8("reason_code", d.ReasonCode))
			},
		},
	}
	return p, nil
}

// Open starts the connection manager and waits for the first connection. The
// manager keeps reconnecting until ctx ends.
func (p *MQTTPublisher) Open(ctx context.Context) error {
	connection, err := autopaho.NewConnection(ctx, p.cliCfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connection = connection
	p.mu.Unlock()
	return connection.AwaitConnection(ctx)
}

func (p *MQTTPublisher) current() *autopaho.ConnectionManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connection
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	connection := p.current()
	if connection == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := connection.Disconnect(ctx); err != nil {
		p.logger.Debug("mqtt disconnect", zap.Error(err))
	}
}

// Name implements events.Sink.
func (p *MQTTPublisher) Name() string {
	return "mqtt"
}

// Handle implements events.Sink.
func (p *MQTTPublisher) Handle(ctx context.Context, ev events.Event) error {
	connection := p.current()
	if connection == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = connection.Publish(ctx, &paho.Publish{
		QoS:     1,
		Topic:   Topic(p.prefix, ev.EVSEID, ev.SessionID),
		Payload: payload,
	})
	return err
}

// Topic returns the topic for a session's events.
func Topic(prefix, evseID, sessionID string) string {
	if evseID == "" {
		evseID = "unknown"
	}
	return fmt.Sprintf("%s/%s/session/%s", prefix, topicLevel.Replace(evseID), sessionID)
}
