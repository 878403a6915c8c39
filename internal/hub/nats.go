package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject,
// e.g. "tim8.events.incident_opened".
const DefaultSubjectPrefix = "tim8.events"

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("tim8-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}
	slog.Default().With("component", "nats").Info("connected to NATS server", "url", natsURL)
	return nc, nil
}

// NATSRelay republishes hub events onto NATS so services outside this
// process can observe incidents. The connection is owned by the caller.
type NATSRelay struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSRelay creates a relay publishing under prefix.
func NewNATSRelay(conn *nats.Conn, prefix string) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{conn: conn, prefix: prefix}
}

func (r *NATSRelay) ID() string { return "nats:" + r.prefix }

// Send publishes msg on <prefix>.<event type>. nats.go buffers publishes, so
// this does not wait on the network.
func (r *NATSRelay) Send(msg []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
		return fmt.Errorf("relay: event without type")
	}
	if r.conn.IsClosed() {
		return ErrSubscriberClosed
	}
	return r.conn.Publish(Subject(r.prefix, env.Type), msg)
}

// Close is a no-op; the connection outlives the relay.
func (r *NATSRelay) Close() {}

// Subject returns the subject for an event type.
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}
