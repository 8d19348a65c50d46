package transport

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"wastetrack/internal/wire"
)

// fakeRelay is a minimal backend for transport tests.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server

	allowSocket  atomic.Bool
	snapshot     atomic.Value // string
	streamFrames []string

	mu        sync.Mutex
	posts     []postedReport
	inbound   []wire.Envelope
	connected chan *websocket.Conn
}

type postedReport struct {
	collectorID string
	report      wire.LocationReport
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{t: t, connected: make(chan *websocket.Conn, 8)}
	f.snapshot.Store(`{}`)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/locations/collectors", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.snapshot.Load().(string))
	})
	mux.HandleFunc("/api/locations/admin/collectors", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[]`)
	})
	mux.HandleFunc("/api/locations/update", func(w http.ResponseWriter, r *http.Request) {
		var rep wire.LocationReport
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, postedReport{collectorID: r.Header.Get(HeaderCollectorID), report: rep})
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/locations/stream", func(w http.ResponseWriter, r *http.Request) {
		if len(f.streamFrames) == 0 {
			http.Error(w, "no stream", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range f.streamFrames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		// Returning ends the stream.
	})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		if !f.allowSocket.Load() {
			http.Error(w, "push disabled", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.connected <- c
		go func() {
			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					return
				}
				env, err := wire.DecodeEnvelope(data)
				if err != nil {
					continue
				}
				f.mu.Lock()
				f.inbound = append(f.inbound, env)
				f.mu.Unlock()
			}
		}()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) apiURL() string { return f.srv.URL + "/api" }

func (f *fakeRelay) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeRelay) postsSnapshot() []postedReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedReport(nil), f.posts...)
}

func (f *fakeRelay) inboundEvents() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Envelope(nil), f.inbound...)
}

func (f *fakeRelay) send(c *websocket.Conn, event string, data any) {
	f.t.Helper()
	b, err := wire.EncodeEnvelope(event, data)
	if err != nil {
		f.t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		f.t.Fatal(err)
	}
}
