// Package dashboard projects registry state into list rows and map markers
// and renders them. It only reads; nothing here mutates a registry.
package dashboard

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"text/tabwriter"
	"time"

	"wastetrack/internal/bus"
	"wastetrack/internal/geo"
	"wastetrack/internal/tracking"
	"wastetrack/internal/transport"
)

// MaxJitter bounds the marker offset, in degrees, on each axis.
const MaxJitter = 0.00005

var now = time.Now

// Source is anything that lists collector states.
type Source interface {
	List() []tracking.CollectorState
}

// Row is one line of the collector list.
type Row struct {
	CollectorID string
	Label       string
	Type        string
	Coordinates string
	Freshness   string
	Status      string
}

// Rows builds the list projection. Admins see Available or On Job,
// residents Available or Not Available.
func Rows(states []tracking.CollectorState, role string) []Row {
	t := now()
	rows := make([]Row, 0, len(states))
	for _, st := range states {
		r := Row{
			CollectorID: st.CollectorID,
			Label:       st.Label(),
			Type:        st.VehicleType,
			Coordinates: "no GPS yet",
			Freshness:   freshness(t, st.LastUpdate),
			Status:      status(st.Available(), role),
		}
		if r.Type == "" {
			r.Type = "-"
		}
		if st.Position != nil {
			r.Coordinates = st.Position.String()
		}
		rows = append(rows, r)
	}
	return rows
}

func status(available bool, role string) string {
	switch {
	case available:
		return "Available"
	case role == transport.RoleAdmin:
		return "On Job"
	default:
		return "Not Available"
	}
}

func freshness(now, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	d := now.Sub(at)
	switch {
	case d < 10*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	}
}

// Marker is one map pin.
type Marker struct {
	CollectorID string
	Label       string
	Point       geo.Point
	Available   bool
}

// Markers builds the map projection from positioned states. With jitter
// each marker is offset by up to MaxJitter degrees so trucks parked at the
// same spot stay distinguishable. The offset is derived from the collector
// id and stays put between renders.
func Markers(states []tracking.CollectorState, jitter bool) []Marker {
	out := make([]Marker, 0, len(states))
	for _, st := range states {
		if st.Position == nil {
			continue
		}
		p := *st.Position
		if jitter {
			dlat, dlng := offset(st.CollectorID)
			p.Latitude += dlat
			p.Longitude += dlng
		}
		out = append(out, Marker{
			CollectorID: st.CollectorID,
			Label:       st.Label(),
			Point:       p,
			Available:   st.Available(),
		})
	}
	return out
}

func offset(id string) (float64, float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	sum := h.Sum64()
	unit := func(bits uint64) float64 {
		// [0, 1) to [-1, 1)
		return float64(bits&0xffffffff)/float64(1<<32)*2 - 1
	}
	return unit(sum) * MaxJitter, unit(sum>>32) * MaxJitter
}

// Render writes rows as an aligned table.
func Render(w io.Writer, rows []Row) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTOR\tVEHICLE\tTYPE\tPOSITION\tUPDATED\tSTATUS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CollectorID, r.Label, r.Type, r.Coordinates, r.Freshness, r.Status)
	}
	if len(rows) == 0 {
		fmt.Fprintln(tw, "(no collectors)\t\t\t\t\t")
	}
	return tw.Flush()
}

// RenderMarkers writes the map projection, one pin per line.
func RenderMarkers(w io.Writer, markers []Marker) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKER\tLAT\tLNG\tPIN")
	for _, m := range markers {
		pin := "grey"
		if m.Available {
			pin = "green"
		}
		fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%s\n", m.CollectorID, m.Point.Latitude, m.Point.Longitude, pin)
	}
	return tw.Flush()
}

// Screen renders the list and the map for role. Residents get jittered
// markers.
func Screen(w io.Writer, states []tracking.CollectorState, role string) error {
	if err := Render(w, Rows(states, role)); err != nil {
		return err
	}
	markers := Markers(states, role == transport.RoleResident)
	if len(markers) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return RenderMarkers(w, markers)
}

// Watch renders source once and again after every registry change until
// ctx is done.
func Watch(ctx context.Context, b *bus.Bus, source Source, role string, w io.Writer) error {
	changes, err := b.Subscribe(ctx, bus.TopicRegistryChanged)
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	if err := Screen(w, source.List(), role); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := Screen(w, source.List(), role); err != nil {
				return err
			}
		}
	}
}
