package relay

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"wastetrack/internal/geo"
	"wastetrack/internal/transport"
	"wastetrack/internal/wire"
)

const maxReportBody = 16 << 10

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Relay) handleCollectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Snapshot())
}

func (r *Relay) handleCollectorsFeed(w http.ResponseWriter, _ *http.Request) {
	b, err := r.Feed()
	if err != nil {
		r.log.Error().Err(err).Msg("encode feed")
		writeError(w, http.StatusInternalServerError, "feed unavailable")
		return
	}
	w.Header().Set("Content-Type", wire.ContentTypeProtobuf)
	_, _ = w.Write(b)
}

func (r *Relay) handleAdminCollectors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.AdminList())
}

func (r *Relay) handleNearby(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	p := geo.Point{Latitude: lat, Longitude: lng}
	if !p.Valid() {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	radius := DefaultNearbyRadius
	if s := q.Get("radiusMeters"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "radiusMeters must be a positive number")
			return
		}
		radius = v
	}
	writeJSON(w, http.StatusOK, r.Nearby(p, radius))
}

func (r *Relay) handleUpdate(w http.ResponseWriter, req *http.Request) {
	var rep wire.LocationReport
	body := io.LimitReader(req.Body, maxReportBody)
	if err := json.NewDecoder(body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "malformed report")
		return
	}

	err := r.Accept(req.Context(), req.Header.Get(transport.HeaderCollectorID), rep)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrMissingCollector):
		writeError(w, http.StatusBadRequest, "X-Collector-ID header is required")
	case errors.Is(err, ErrInvalidReport):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		r.log.Error().Err(err).Msg("accept report")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
