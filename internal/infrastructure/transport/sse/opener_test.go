package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a stream.Listener that keeps what it was told.
type recorder struct {
	mu       sync.Mutex
	opens    int
	messages []string
	errs     []error
}

func (r *recorder) OnOpen() {
	r.mu.Lock()
	r.opens++
	r.mu.Unlock()
}

func (r *recorder) OnMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(data))
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) snapshot() (int, []string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, append([]string(nil), r.messages...), append([]error(nil), r.errs...)
}

func newTestOpener(t *testing.T, handler http.HandlerFunc) (*Opener, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	o, err := NewOpener(srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	return o, srv
}

func TestNewOpener_RejectsBadEndpoints(t *testing.T) {
	for _, endpoint := range []string{"ftp://host", "://bad", "localhost:8080"} {
		_, err := NewOpener(endpoint, nil, nil)
		assert.Error(t, err, endpoint)
	}
}

func TestOpener_URL(t *testing.T) {
	o, err := NewOpener("http://localhost:8000/base/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/base/api/events/abc-123", o.URL("abc-123"))
	assert.Equal(t, "http://localhost:8000/base/api/events/a%2Fb", o.URL("a/b"))
}

func TestOpener_DeliversEvents(t *testing.T) {
	requests := make(chan *http.Request, 1)
	o, _ := newTestOpener(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.Header().Set("Content-Type", ContentType)
		fmt.Fprint(w, ": hello\n\ndata: {\"a\":1}\n\ndata: {\"b\":2}\n\n")
	})

	rec := &recorder{}
	h, err := o.Open(context.Background(), "s1", rec)
	require.NoError(t, err)
	defer h.Close()

	<-h.(*conn).done

	req := <-requests
	assert.Equal(t, "/api/events/s1", req.URL.Path)
	assert.Equal(t, ContentType, req.Header.Get("Accept"))

	opens, messages, errs := rec.snapshot()
	assert.Equal(t, 1, opens)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, messages)
	require.Len(t, errs, 1, "end of stream is reported once")
	assert.ErrorIs(t, errs[0], ErrStreamEnded)
}

func TestOpener_NonOKStatusIsError(t *testing.T) {
	o, _ := newTestOpener(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	})

	rec := &recorder{}
	h, err := o.Open(context.Background(), "s1", rec)
	require.NoError(t, err)
	<-h.(*conn).done

	opens, _, errs := rec.snapshot()
	assert.Zero(t, opens)
	require.Len(t, errs, 1)
	var statusErr *StatusError
	require.True(t, errors.As(errs[0], &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestOpener_SendsLastEventIDOnReopen(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	o, _ := newTestOpener(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get(HeaderLastEventID))
		mu.Unlock()
		fmt.Fprint(w, "id: 41\ndata: {}\n\nid: 42\ndata: {}\n\n")
	})

	for i := 0; i < 2; i++ {
		h, err := o.Open(context.Background(), "s1", &recorder{})
		require.NoError(t, err)
		<-h.(*conn).done
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "42"}, seen)
}

func TestOpener_CloseStopsNotifications(t *testing.T) {
	release := make(chan struct{})
	o, _ := newTestOpener(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		fmt.Fprint(w, "data: {\"first\":true}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	rec := &recorder{}
	h, err := o.Open(context.Background(), "s1", rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, messages, _ := rec.snapshot()
		return len(messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "close is idempotent")

	select {
	case <-h.(*conn).done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after close")
	}

	_, messages, errs := rec.snapshot()
	assert.Len(t, messages, 1)
	assert.Empty(t, errs, "no error is reported after close")
}

func TestOpener_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	o, err := NewOpener(endpoint, nil, nil)
	require.NoError(t, err)

	rec := &recorder{}
	h, err := o.Open(context.Background(), "s1", rec)
	require.NoError(t, err, "failures after the handle exists go to the listener")
	<-h.(*conn).done

	_, _, errs := rec.snapshot()
	assert.Len(t, errs, 1)
}
