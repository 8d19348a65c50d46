package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"wastetrack/internal/tracking"
	"wastetrack/internal/wire"
)

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Name string
	ID   string
	Data []byte
}

// SSEReader parses a text/event-stream body.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next event with data. An event cut off by EOF is
// dropped and io.EOF returned.
func (s *SSEReader) Next() (SSEEvent, error) {
	var (
		ev      SSEEvent
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return SSEEvent{}, io.EOF
			}
			return SSEEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				ev.Data = data.Bytes()
				return ev, nil
			}
			ev = SSEEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "id":
			ev.ID = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
}

// streamOnce reads snapshot frames from the relay's event stream until it
// ends. Every frame is handed to fn.
func streamOnce(ctx context.Context, httpClient *http.Client, url string, header http.Header, fn func([]tracking.Update, []*wire.RecordError)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Call: "stream", Code: resp.StatusCode}
	}

	rd := NewSSEReader(resp.Body)
	for {
		ev, err := rd.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("stream closed by server")
			}
			return fmt.Errorf("read stream: %w", err)
		}
		updates, recErrs, err := wire.Decode(ev.Data)
		if err != nil {
			// A bad frame is skipped; the stream itself is still healthy.
			recErrs = []*wire.RecordError{{Index: -1, Err: err}}
		}
		fn(updates, recErrs)
	}
}
