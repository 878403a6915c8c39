package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
)

type recorder struct {
	id     string
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed int
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestPublishRemovesOnlyFailingSubscriber(t *testing.T) {
	h := New()
	a := &recorder{id: "a"}
	bad := &recorder{id: "bad", fail: true}
	c := &recorder{id: "c"}
	h.Subscribe(a)
	h.Subscribe(bad)
	h.Subscribe(c)

	require.NoError(t, h.Publish(protocol.NewIncidentOpened(1, "disk full")))

	assert.Equal(t, 2, h.Count())
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 1, bad.closed)

	require.NoError(t, h.Publish(protocol.NewIncidentResolved(1, 30)))
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, c.count())
	assert.False(t, h.Unsubscribe("bad"), "already removed")
}

func TestPublishWithNoSubscribers(t *testing.T) {
	h := New()
	assert.NoError(t, h.Publish(protocol.NewIncidentOpened(1, "x")))
}

func TestPublishPreservesOrder(t *testing.T) {
	h := New()
	r := &recorder{id: "r"}
	h.Subscribe(r)

	for i := int64(0); i < 50; i++ {
		require.NoError(t, h.Publish(protocol.NewIncidentUpdated(i, fmt.Sprint(i))))
	}
	require.Equal(t, 50, r.count())
	for i, raw := range r.msgs {
		var m protocol.IncidentUpdatedMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.EqualValues(t, i, m.ID)
	}
}

func TestConcurrentPublishDeliversEverything(t *testing.T) {
	h := New()
	r := &recorder{id: "r"}
	h.Subscribe(r)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = h.Publish(protocol.NewIncidentOpened(int64(g*100+i), "x"))
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 200, r.count())
}

func TestSubscribeCancelAndUnsubscribe(t *testing.T) {
	h := New()
	a := &recorder{id: "a"}
	cancel := h.Subscribe(a)
	assert.Equal(t, 1, h.Count())

	cancel()
	cancel()
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 1, a.closed)

	b := &recorder{id: "b"}
	h.Subscribe(b)
	assert.True(t, h.Unsubscribe("b"))
	assert.False(t, h.Unsubscribe("b"))
	assert.False(t, h.Unsubscribe("missing"))
}

func TestStaleCancelDoesNotRemoveReplacement(t *testing.T) {
	h := New()
	first := &recorder{id: "same"}
	cancel := h.Subscribe(first)
	second := &recorder{id: "same"}
	h.Subscribe(second)
	assert.Equal(t, 1, first.closed, "replaced subscriber is closed")

	cancel()
	assert.Equal(t, 1, h.Count())
	require.NoError(t, h.Publish(protocol.NewIncidentOpened(1, "x")))
	assert.Equal(t, 1, second.count())
}

func TestClose(t *testing.T) {
	h := New()
	a := &recorder{id: "a"}
	h.Subscribe(a)
	h.Close()
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 1, a.closed)
}
