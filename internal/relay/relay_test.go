package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"wastetrack/internal/geo"
	"wastetrack/internal/transport"
	"wastetrack/internal/wire"
)

var banjul = geo.Point{Latitude: 13.4549, Longitude: -16.5790}

type testRelay struct {
	t     *testing.T
	relay *Relay
	srv   *httptest.Server
}

func newTestRelay(t *testing.T, opts Options, ropts RouterOptions) *testRelay {
	t.Helper()
	r := New(opts)
	srv := httptest.NewServer(r.Router(ropts))
	t.Cleanup(func() {
		r.Hub().Close()
		srv.Close()
	})
	return &testRelay{t: t, relay: r, srv: srv}
}

func (tr *testRelay) post(id string, body any) *http.Response {
	tr.t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		tr.t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, tr.srv.URL+"/api/locations/update", bytes.NewReader(b))
	if err != nil {
		tr.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id != "" {
		req.Header.Set(transport.HeaderCollectorID, id)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tr.t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func (tr *testRelay) report(id string, p geo.Point) {
	tr.t.Helper()
	resp := tr.post(id, wire.NewReport(id, geo.Sample{Point: p, Timestamp: time.Now()}))
	if resp.StatusCode != http.StatusNoContent {
		tr.t.Fatalf("report %s: status %d", id, resp.StatusCode)
	}
}

func (tr *testRelay) get(path string, v any) {
	tr.t.Helper()
	resp, err := http.Get(tr.srv.URL + path)
	if err != nil {
		tr.t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tr.t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		tr.t.Fatal(err)
	}
}

func (tr *testRelay) dial(role, id string) *websocket.Conn {
	tr.t.Helper()
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/socket?role=" + role
	if id != "" {
		url += "&id=" + id
	}
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		tr.t.Fatal(err)
	}
	tr.t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) wire.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishThenSnapshots(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	tr.report("c1", banjul)

	var snap map[string]wire.Record
	tr.get("/api/locations/collectors", &snap)
	rec, ok := snap["c1"]
	if !ok || rec.Latitude == nil || *rec.Latitude != banjul.Latitude || !rec.IsOnline {
		t.Fatalf("snapshot = %+v", snap)
	}

	var admin []wire.AdminRecord
	tr.get("/api/locations/admin/collectors", &admin)
	if len(admin) != 1 || admin[0].ID != "c1" || admin[0].LastKnownLocation == nil || !admin[0].IsAvailable {
		t.Fatalf("admin = %+v", admin)
	}

	resp, err := http.Get(tr.srv.URL + "/api/locations/collectors.pb")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != wire.ContentTypeProtobuf {
		t.Errorf("content type = %q", ct)
	}
	updates, _, err := wire.DecodeFeed(body)
	if err != nil || len(updates) != 1 || updates[0].CollectorID != "c1" {
		t.Errorf("feed = %+v, %v", updates, err)
	}
}

func TestPublishValidation(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	lat, lng, badLat := 13.4, -16.5, 95.0

	tests := []struct {
		name string
		id   string
		body any
		want int
	}{
		{"no collector id", "", wire.LocationReport{Latitude: &lat, Longitude: &lng}, http.StatusBadRequest},
		{"id in body", "", wire.LocationReport{CollectorID: "c2", Latitude: &lat, Longitude: &lng}, http.StatusNoContent},
		{"latitude out of range", "c1", wire.LocationReport{Latitude: &badLat, Longitude: &lng}, http.StatusUnprocessableEntity},
		{"latitude alone", "c1", wire.LocationReport{Latitude: &lat}, http.StatusUnprocessableEntity},
		{"not json", "c1", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.post(tt.id, tt.body).StatusCode; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNearby(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	tr.report("near", geo.Destination(banjul, 45, 300))
	tr.report("far", geo.Destination(banjul, 45, 3000))

	var recs []wire.Record
	tr.get("/api/locations/nearby?lat=13.4549&lng=-16.579&radiusMeters=1000", &recs)
	if len(recs) != 1 || recs[0].CollectorID != "near" {
		t.Errorf("nearby = %+v", recs)
	}

	resp, err := http.Get(tr.srv.URL + "/api/locations/nearby?lat=abc&lng=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad query status = %d", resp.StatusCode)
	}
}

func TestObserverReceivesLifecycle(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	tr.report("c0", banjul)

	obs := tr.dial("resident", "")
	greet := readEvent(t, obs)
	if greet.Event != wire.EventUpdate || !strings.Contains(string(greet.Data), `"c0"`) {
		t.Fatalf("greeting = %s %s", greet.Event, greet.Data)
	}
	eventually(t, "observer registered", func() bool { return tr.relay.Hub().Count("resident") == 1 })

	tr.report("c1", banjul)
	if ev := readEvent(t, obs); ev.Event != wire.EventStarted {
		t.Fatalf("first event = %s, want started", ev.Event)
	}

	tr.report("c1", geo.Destination(banjul, 0, 50))
	if ev := readEvent(t, obs); ev.Event != wire.EventUpdate {
		t.Fatalf("second event = %s, want update", ev.Event)
	}

	if resp := tr.post("c1", wire.OfflineReport("c1")); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("offline status = %d", resp.StatusCode)
	}
	ev := readEvent(t, obs)
	var st wire.Stopped
	if ev.Event != wire.EventStopped || json.Unmarshal(ev.Data, &st) != nil || st.CollectorID != "c1" {
		t.Fatalf("third event = %s %s", ev.Event, ev.Data)
	}
	if _, ok := tr.relay.Registry().Get("c1"); ok {
		t.Error("offline collector still in registry")
	}
}

func TestCollectorSocketReports(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	obs := tr.dial("admin", "")
	eventually(t, "observer registered", func() bool { return tr.relay.Hub().Count("admin") == 1 })

	col := tr.dial("collector", "c9")
	b, err := wire.EncodeEnvelope(wire.EventLocation, wire.NewReport("c9", geo.Sample{Point: banjul, Timestamp: time.Now()}))
	if err != nil {
		t.Fatal(err)
	}
	if err := col.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}

	if ev := readEvent(t, obs); ev.Event != wire.EventStarted || !strings.Contains(string(ev.Data), `"c9"`) {
		t.Fatalf("event = %s %s", ev.Event, ev.Data)
	}
	if tr.relay.Hub().Count("collector") != 1 {
		t.Errorf("collectors = %d", tr.relay.Hub().Count("collector"))
	}
}

func TestEvictionBroadcastsStopped(t *testing.T) {
	tr := newTestRelay(t, Options{StaleThreshold: time.Minute}, RouterOptions{})
	old := time.Now().Add(-2 * time.Minute)
	lat, lng := banjul.Latitude, banjul.Longitude
	resp := tr.post("old", wire.LocationReport{Latitude: &lat, Longitude: &lng, Timestamp: wire.FormatTime(old)})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	obs := tr.dial("resident", "")
	readEvent(t, obs) // greeting
	eventually(t, "observer registered", func() bool { return tr.relay.Hub().Count("resident") == 1 })

	if ids := tr.relay.Sweeper().Sweep(); len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("evicted = %v", ids)
	}
	if ev := readEvent(t, obs); ev.Event != wire.EventStopped {
		t.Errorf("event = %s, want stopped", ev.Event)
	}
}

func TestStreamSendsSnapshot(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{StreamInterval: 20 * time.Millisecond})
	tr.report("c1", banjul)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, tr.srv.URL+"/api/locations/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	rd := transport.NewSSEReader(resp.Body)
	ev, err := rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	updates, _, err := wire.Decode(ev.Data)
	if err != nil || len(updates) != 1 || updates[0].CollectorID != "c1" {
		t.Fatalf("first frame = %s (%v)", ev.Data, err)
	}

	tr.report("c2", banjul)
	ev, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if updates, _, _ := wire.Decode(ev.Data); len(updates) != 2 {
		t.Errorf("second frame = %s", ev.Data)
	}
}

func TestPublishRateLimited(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{PublishRate: 2, PublishWindow: time.Minute})
	lat, lng := banjul.Latitude, banjul.Longitude
	rep := wire.LocationReport{Latitude: &lat, Longitude: &lng}

	for i := 0; i < 2; i++ {
		if got := tr.post("c1", rep).StatusCode; got != http.StatusNoContent {
			t.Fatalf("request %d status = %d", i, got)
		}
	}
	if got := tr.post("c1", rep).StatusCode; got != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	for _, path := range []string{"/api/health", "/metrics"} {
		resp, err := http.Get(tr.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

// The collector publisher and the observer subscriber agree with the relay
// end to end.
func TestPublisherToSubscriber(t *testing.T) {
	tr := newTestRelay(t, Options{}, RouterOptions{})
	client := transport.NewClient(tr.srv.URL+"/api", "", time.Second)

	obsConns := transport.NewConnManager(client, "")
	defer obsConns.CloseAll()
	sub := transport.NewSubscriber(client, obsConns, transport.RoleResident, time.Hour)
	got := make(chan transport.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx, func(e transport.Event) { got <- e }) }()
	eventually(t, "subscriber connected", func() bool { return tr.relay.Hub().Count("resident") == 1 })
	time.Sleep(20 * time.Millisecond)

	colConns := transport.NewConnManager(client, "c5")
	defer colConns.CloseAll()
	sample := geo.Sample{Point: banjul, Timestamp: time.Now()}
	pub := transport.NewPublisher(client, colConns, "c5", nil, time.Hour)

	if path, err := pub.PublishOnce(ctx, sample); err != nil || path != transport.PathPost {
		t.Fatalf("first publish = %s, %v", path, err)
	}
	sample.Timestamp = sample.Timestamp.Add(time.Second)
	sample.Point = geo.Destination(banjul, 90, 100)
	if path, err := pub.PublishOnce(ctx, sample); err != nil || path != transport.PathPush {
		t.Fatalf("second publish = %s, %v", path, err)
	}

	want := []transport.EventKind{transport.KindStarted, transport.KindUpdate}
	for i, kind := range want {
		select {
		case e := <-got:
			if e.Kind != kind || e.Mode != transport.ModePush || e.Updates[0].CollectorID != "c5" {
				t.Errorf("event %d = %+v", i, e)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}
