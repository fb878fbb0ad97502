package server

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilometers.ai/stream/internal/core/event"
	"kilometers.ai/stream/internal/jsonrpc"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHub_RoutesBySession(t *testing.T) {
	hub := NewHub(4, quietLogger())
	a := hub.Subscribe("s1")
	b := hub.Subscribe("s1")
	other := hub.Subscribe("s2")
	defer hub.Close()

	msg, delivered := hub.Publish("s1", []byte(`{"n":1}`))
	assert.Equal(t, 2, delivered)
	assert.Equal(t, uint64(1), msg.Seq)

	for _, s := range []*Subscriber{a, b} {
		got := <-s.C()
		assert.Equal(t, `{"n":1}`, string(got.Data))
	}
	select {
	case <-other.C():
		t.Fatal("message leaked to another session")
	default:
	}
}

func TestHub_SequencePerSession(t *testing.T) {
	hub := NewHub(4, quietLogger())
	m1, _ := hub.Publish("s1", []byte(`{}`))
	m2, _ := hub.Publish("s1", []byte(`{}`))
	m3, _ := hub.Publish("s2", []byte(`{}`))
	assert.Equal(t, []uint64{1, 2, 1}, []uint64{m1.Seq, m2.Seq, m3.Seq})
}

func TestHub_SlowSubscriberDropsMessages(t *testing.T) {
	hub := NewHub(2, quietLogger())
	s := hub.Subscribe("s1")
	defer s.Close()

	for i := 0; i < 5; i++ {
		hub.Publish("s1", []byte(`{}`))
	}

	assert.Equal(t, 3, s.Dropped())
	assert.Len(t, s.C(), 2)
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(1, quietLogger())
	s := hub.Subscribe("s1")
	require.Equal(t, 1, hub.Subscribers("s1"))

	s.Close()
	s.Close()

	assert.Equal(t, 0, hub.Subscribers("s1"))
	_, ok := <-s.C()
	assert.False(t, ok)

	_, delivered := hub.Publish("s1", []byte(`{}`))
	assert.Zero(t, delivered)
}

func TestHub_ConcurrentPublishAndClose(t *testing.T) {
	hub := NewHub(8, quietLogger())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		s := hub.Subscribe("s1")
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish("s1", []byte(`{}`))
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers("s1"))
}

type capture struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *capture) Publish(_ string, data []byte) (Message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, data)
	return Message{Seq: uint64(len(c.msgs)), Data: data}, 1
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestGenerator_RecordsParse(t *testing.T) {
	g := NewGenerator(&capture{}, "demo", time.Second, quietLogger())

	for i := 0; i < 50; i++ {
		data := g.Next()
		rec, err := event.Parse(data, time.Now())
		require.NoError(t, err, string(data))
		assert.Equal(t, "demo", rec.SessionID())
		assert.NotEmpty(t, rec.Method().Value())
		_, ok := rec.RiskScore()
		assert.True(t, ok)

		msg, err := jsonrpc.Classify(data)
		require.NoError(t, err, string(data))
		assert.NotEmpty(t, msg.Type)
	}
}

func TestGenerator_RunStopsOnCancel(t *testing.T) {
	pub := &capture{}
	g := NewGenerator(pub, "demo", 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("generator did not stop")
	}
}
