package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSRelayPublishesBySubject(t *testing.T) {
	ns := runNATS(t)

	nc, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(DefaultSubjectPrefix + ".>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	h := New()
	h.Subscribe(NewNATSRelay(nc, ""))
	require.NoError(t, h.Publish(protocol.NewIncidentResolved(9, 120)))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tim8.events.incident_resolved", msg.Subject)

	var ev protocol.IncidentResolvedMessage
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.EqualValues(t, 9, ev.ID)
	assert.EqualValues(t, 120, ev.MTTRSeconds)
}

func TestNATSRelayDroppedWhenConnectionClosed(t *testing.T) {
	ns := runNATS(t)

	nc, err := Connect(ns.ClientURL())
	require.NoError(t, err)

	h := New()
	h.Subscribe(NewNATSRelay(nc, "custom"))
	other := &recorder{id: "observer"}
	h.Subscribe(other)

	nc.Close()
	require.NoError(t, h.Publish(protocol.NewIncidentOpened(1, "x")))

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, 1, other.count())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "tim8.events.incident_opened", Subject(DefaultSubjectPrefix, protocol.TypeIncidentOpened))
}
