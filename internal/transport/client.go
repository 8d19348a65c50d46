// Package transport moves collector locations between clients and the relay:
// an HTTP API client, a shared push connection, the collector-side
// publisher and the observer-side subscriber with its fallbacks.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
	"wastetrack/internal/tracking"
	"wastetrack/internal/wire"
)

// HeaderCollectorID carries the collector identity on publish.
const HeaderCollectorID = "X-Collector-ID"

const maxBody = 8 << 20

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Call string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d", e.Call, e.Code)
}

type response struct {
	body        []byte
	contentType string
}

// Client calls the backend boundary endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[response]
	log        zerolog.Logger

	// PreferProtobuf fetches the snapshot as GTFS-RT.
	PreferProtobuf bool
}

// NewClient returns a client for the API rooted at baseURL
// (e.g. http://host:5000/api).
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    newBreaker[response]("relay-api"),
		log:        logging.Component("api-client"),
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Snapshot fetches the bulk map of collectors.
func (c *Client) Snapshot(ctx context.Context) ([]tracking.Update, error) {
	path := "/locations/collectors"
	if c.PreferProtobuf {
		path += ".pb"
	}
	resp, err := c.do(ctx, "snapshot", http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return c.decode("snapshot", resp)
}

// AdminSnapshot fetches the admin list of collectors.
func (c *Client) AdminSnapshot(ctx context.Context) ([]tracking.Update, error) {
	resp, err := c.do(ctx, "admin_snapshot", http.MethodGet, "/locations/admin/collectors", nil, nil)
	if err != nil {
		return nil, err
	}
	return c.decode("admin_snapshot", resp)
}

// Nearby fetches collectors within radius meters of p.
func (c *Client) Nearby(ctx context.Context, p geo.Point, radius float64) ([]tracking.Update, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Latitude, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(p.Longitude, 'f', -1, 64))
	q.Set("radiusMeters", strconv.FormatFloat(radius, 'f', -1, 64))
	resp, err := c.do(ctx, "nearby", http.MethodGet, "/locations/nearby?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	return c.decode("nearby", resp)
}

// PublishLocation posts one report for collectorID.
func (c *Client) PublishLocation(ctx context.Context, collectorID string, r wire.LocationReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set(HeaderCollectorID, collectorID)
	_, err = c.do(ctx, "publish", http.MethodPost, "/locations/update", body, hdr)
	return err
}

// StreamURL is the server-sent events endpoint.
func (c *Client) StreamURL() string {
	return c.baseURL + "/locations/stream"
}

// SocketURL is the push endpoint for role. The API prefix is dropped and the
// scheme switched to ws or wss.
func (c *Client) SocketURL(role, id string) string {
	root := strings.TrimSuffix(c.baseURL, "/api")
	switch {
	case strings.HasPrefix(root, "https://"):
		root = "wss://" + strings.TrimPrefix(root, "https://")
	case strings.HasPrefix(root, "http://"):
		root = "ws://" + strings.TrimPrefix(root, "http://")
	}
	q := url.Values{}
	q.Set("role", role)
	if id != "" {
		q.Set("id", id)
	}
	return root + "/socket?" + q.Encode()
}

// AuthHeader returns the headers every request carries.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, call, method, path string, body []byte, hdr http.Header) (response, error) {
	start := time.Now()
	resp, err := c.breaker.Execute(func() (response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return response{}, err
		}
		for k, v := range c.AuthHeader() {
			req.Header[k] = v
		}
		for k, v := range hdr {
			req.Header[k] = v
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			return response{}, err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBody))
			return response{}, &StatusError{Call: call, Code: res.StatusCode}
		}
		b, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
		if err != nil {
			return response{}, err
		}
		return response{body: b, contentType: res.Header.Get("Content-Type")}, nil
	})

	status := "ok"
	if err != nil {
		status = "error"
		if IsBreakerOpen(err) {
			status = "rejected"
		}
	}
	metrics.RecordAPIRequest(call, status, time.Since(start))
	if err != nil {
		return response{}, fmt.Errorf("%s: %w", call, err)
	}
	return resp, nil
}

func (c *Client) decode(call string, resp response) ([]tracking.Update, error) {
	var (
		updates []tracking.Update
		errs    []*wire.RecordError
		err     error
	)
	if mt, _, _ := mime.ParseMediaType(resp.contentType); mt == wire.ContentTypeProtobuf {
		updates, errs, err = wire.DecodeFeed(resp.body)
	} else {
		updates, errs, err = wire.Decode(resp.body)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call, err)
	}
	logRecordErrors(c.log, call, errs)
	return updates, nil
}

func logRecordErrors(log zerolog.Logger, source string, errs []*wire.RecordError) {
	if len(errs) == 0 {
		return
	}
	metrics.ReconcileRecords.WithLabelValues("invalid").Add(float64(len(errs)))
	log.Warn().
		Str("source", source).
		Int("count", len(errs)).
		Err(errs[0]).
		Msg("skipped malformed records")
}
