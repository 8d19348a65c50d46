// Package proximity alerts a resident when a collector comes close.
package proximity

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
	"wastetrack/internal/notify"
	"wastetrack/internal/tracking"
)

const (
	DefaultRadius   = 500.0
	DefaultCooldown = 5 * time.Minute

	notificationTitle = "Collector nearby"
	permissionTimeout = 30 * time.Second
)

// Notifier checks collector positions against the resident's own location.
// It has no loop of its own; callers run Evaluate after each registry change.
type Notifier struct {
	toaster  notify.Toaster
	system   notify.SystemNotifier
	radius   float64
	cooldown time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	enabled    bool
	self       *geo.Point
	lastFired  map[string]time.Time
	requesting bool

	wg sync.WaitGroup
}

// New returns a disabled notifier. system may be nil. Non-positive radius
// and cooldown take the defaults.
func New(toaster notify.Toaster, system notify.SystemNotifier, radius float64, cooldown time.Duration) *Notifier {
	if radius <= 0 {
		radius = DefaultRadius
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Notifier{
		toaster:   toaster,
		system:    system,
		radius:    radius,
		cooldown:  cooldown,
		log:       logging.Component("proximity"),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// SetEnabled toggles alerts.
func (n *Notifier) SetEnabled(on bool) {
	n.mu.Lock()
	n.enabled = on
	n.mu.Unlock()
}

// Enabled reports whether alerts are on.
func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// SetSelf sets the resident's location.
func (n *Notifier) SetSelf(p geo.Point) {
	n.mu.Lock()
	n.self = &p
	n.mu.Unlock()
}

// Self returns the resident's location, if known.
func (n *Notifier) Self() (geo.Point, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.self == nil {
		return geo.Point{}, false
	}
	return *n.self, true
}

// RefreshSelf asks loc for the resident's current position.
func (n *Notifier) RefreshSelf(ctx context.Context, loc geo.Locator) error {
	s, err := loc.Current(ctx, geo.SelfLocateOptions)
	if err != nil {
		return fmt.Errorf("locate resident: %w", err)
	}
	n.SetSelf(s.Point)
	return nil
}

// Alert describes one fired proximity alert.
type Alert struct {
	CollectorID string
	Label       string
	Meters      int
}

// Evaluate fires an alert for every collector within the radius that has
// not alerted within the cooldown.
func (n *Notifier) Evaluate(markers []tracking.CollectorState) []Alert {
	n.mu.Lock()
	if !n.enabled || n.self == nil {
		n.mu.Unlock()
		return nil
	}
	self := *n.self
	now := n.now()

	var fired []Alert
	for _, st := range markers {
		if st.Position == nil {
			continue
		}
		d := geo.Distance(self, *st.Position)
		if d > n.radius {
			continue
		}
		if last, ok := n.lastFired[st.CollectorID]; ok && now.Sub(last) <= n.cooldown {
			continue
		}
		n.lastFired[st.CollectorID] = now
		fired = append(fired, Alert{
			CollectorID: st.CollectorID,
			Label:       st.Label(),
			Meters:      int(math.Round(d)),
		})
	}
	n.mu.Unlock()

	for _, a := range fired {
		n.deliver(a)
	}
	return fired
}

func (n *Notifier) deliver(a Alert) {
	n.toaster.Toast(notify.LevelInfo, fmt.Sprintf("Collector nearby: %s (%d m)", a.Label, a.Meters))
	metrics.ProximityAlerts.WithLabelValues("toast").Inc()
	n.log.Info().Str("collector_id", a.CollectorID).Int("meters", a.Meters).Msg("collector nearby")

	if n.system == nil {
		return
	}
	body := fmt.Sprintf("%s is %d m away", a.Label, a.Meters)
	switch n.system.Permission() {
	case notify.PermissionGranted:
		n.sendSystem(body)
	case notify.PermissionDefault:
		n.requestAndSend(body)
	}
}

// requestAndSend asks for permission in the background. Only one request is
// outstanding at a time; alerts raised meanwhile get the toast only.
func (n *Notifier) requestAndSend(body string) {
	n.mu.Lock()
	if n.requesting {
		n.mu.Unlock()
		return
	}
	n.requesting = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			n.requesting = false
			n.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), permissionTimeout)
		defer cancel()
		perm, err := n.system.RequestPermission(ctx)
		if err != nil {
			n.log.Debug().Err(err).Msg("notification permission request failed")
			return
		}
		if perm == notify.PermissionGranted {
			n.sendSystem(body)
		}
	}()
}

func (n *Notifier) sendSystem(body string) {
	if err := n.system.Notify(notificationTitle, body); err != nil {
		n.log.Debug().Err(err).Msg("system notification failed")
		return
	}
	metrics.ProximityAlerts.WithLabelValues("system").Inc()
}

// Wait blocks until background permission requests finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
