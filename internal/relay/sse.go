package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultStreamInterval = 2 * time.Second
	keepAliveEvery        = 15 * time.Second
)

// streamHandler serves the snapshot map as server-sent events. A frame is
// written on connect and then whenever the registry changed, checked every
// interval. Idle streams get a comment line as keep-alive.
func (r *Relay) streamHandler(interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		seq := 0
		send := func() error {
			b, err := json.Marshal(r.Snapshot())
			if err != nil {
				return err
			}
			seq++
			if _, err := fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", seq, b); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		last := r.Version()
		if err := send(); err != nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idle := time.Now()
		for {
			select {
			case <-req.Context().Done():
				return
			case <-ticker.C:
				if v := r.Version(); v != last {
					last = v
					if err := send(); err != nil {
						return
					}
					idle = time.Now()
					continue
				}
				if time.Since(idle) >= keepAliveEvery {
					if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
						return
					}
					flusher.Flush()
					idle = time.Now()
				}
			}
		}
	}
}
