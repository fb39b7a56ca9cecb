// Package events relays submission status events between replicas over NATS,
// so websocket clients see dispatches that ran on any node.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/websocket"
)

// DefaultSubject prefixes every published event
const DefaultSubject = "etims.events"

// Broadcaster delivers events to locally connected clients
type Broadcaster interface {
	Broadcast(v interface{})
}

// Connect dials NATS. The connection retries in the background, and messages
// published on it are never delivered back to it.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("etimsgo"),
		nats.NoEcho(),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("🔗 NATS event relay connected", zap.String("url", url))
	return nc, nil
}

// Bus fans events out to the local hub and to the other replicas
type Bus struct {
	nc      *nats.Conn
	local   Broadcaster
	subject string
	log     *zap.Logger
	sub     *nats.Subscription
}

// NewBus wraps the local hub
func NewBus(nc *nats.Conn, subject string, local Broadcaster, log *zap.Logger) *Bus {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{nc: nc, local: local, subject: subject, log: log}
}

// Broadcast delivers v locally and publishes it as <subject>.<settingsID>
func (b *Bus) Broadcast(v interface{}) {
	b.local.Broadcast(v)

	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("failed to marshal event", zap.Error(err))
		return
	}
	if err := b.nc.Publish(b.subjectFor(v), data); err != nil {
		b.log.Warn("failed to publish event", zap.Error(err))
	}
}

// Start relays events published by other replicas into the local hub
func (b *Bus) Start() error {
	sub, err := b.nc.Subscribe(b.subject+".>", b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

// Close stops relaying and drains the connection
func (b *Bus) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	return b.nc.Drain()
}

func (b *Bus) handle(msg *nats.Msg) {
	if !json.Valid(msg.Data) {
		b.log.Warn("dropping malformed event", zap.String("subject", msg.Subject))
		return
	}
	b.local.Broadcast(relayed{
		scope: b.scopeOf(msg.Subject),
		raw:   append(json.RawMessage(nil), msg.Data...),
	})
}

func (b *Bus) subjectFor(v interface{}) string {
	if s, ok := v.(websocket.Scoped); ok && s.Scope() != 0 {
		return b.subject + "." + strconv.FormatUint(uint64(s.Scope()), 10)
	}
	return b.subject + ".all"
}

// scopeOf reads the settings id back from a subject; "all" and junk give 0
func (b *Bus) scopeOf(subject string) uint {
	id, err := strconv.ParseUint(strings.TrimPrefix(subject, b.subject+"."), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

// relayed is an event received from another replica, forwarded byte for byte
type relayed struct {
	scope uint
	raw   json.RawMessage
}

func (r relayed) Scope() uint { return r.scope }

func (r relayed) MarshalJSON() ([]byte, error) { return r.raw, nil }
