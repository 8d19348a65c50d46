// Package notify is the user-facing alert boundary: in-app toasts and
// operating-system notifications.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
)

// Level classifies a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Toaster shows in-app messages.
type Toaster interface {
	Toast(level Level, msg string)
}

// Permission is the OS notification permission state.
type Permission int

const (
	PermissionDefault Permission = iota // not decided yet
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// SystemNotifier delivers OS-level notifications.
type SystemNotifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Notify(title, body string) error
}

// LogToaster writes toasts to the log. It is what headless binaries use.
type LogToaster struct {
	log zerolog.Logger
}

// NewLogToaster returns a toaster logging under the "toast" component.
func NewLogToaster() *LogToaster {
	return &LogToaster{log: logging.Component("toast")}
}

func (t *LogToaster) Toast(level Level, msg string) {
	var ev *zerolog.Event
	switch level {
	case LevelError:
		ev = t.log.Error()
	case LevelWarning:
		ev = t.log.Warn()
	default:
		ev = t.log.Info()
	}
	ev.Str("toast", string(level)).Msg(msg)
}

// LogNotifier is a SystemNotifier that logs notifications.
type LogNotifier struct {
	log zerolog.Logger

	mu   sync.Mutex
	perm Permission
}

// NewLogNotifier returns a notifier with the given permission. A default
// permission is granted on request.
func NewLogNotifier(perm Permission) *LogNotifier {
	return &LogNotifier{log: logging.Component("notification"), perm: perm}
}

func (n *LogNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.perm
}

func (n *LogNotifier) RequestPermission(context.Context) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.perm == PermissionDefault {
		n.perm = PermissionGranted
	}
	return n.perm, nil
}

func (n *LogNotifier) Notify(title, body string) error {
	n.log.Info().Str("title", title).Msg(body)
	return nil
}

// Recorder captures toasts and notifications in memory.
type Recorder struct {
	mu            sync.Mutex
	Toasts        []string
	Notifications []string
	Perm          Permission
	// PermAfterRequest is what RequestPermission resolves to.
	PermAfterRequest Permission
	Requests         int
}

func (r *Recorder) Toast(_ Level, msg string) {
	r.mu.Lock()
	r.Toasts = append(r.Toasts, msg)
	r.mu.Unlock()
}

func (r *Recorder) Permission() Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Perm
}

func (r *Recorder) RequestPermission(context.Context) (Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests++
	r.Perm = r.PermAfterRequest
	return r.Perm, nil
}

func (r *Recorder) Notify(title, body string) error {
	r.mu.Lock()
	r.Notifications = append(r.Notifications, title+": "+body)
	r.mu.Unlock()
	return nil
}

// Snapshot returns copies of the recorded toasts and notifications.
func (r *Recorder) Snapshot() (toasts, notes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Toasts...), append([]string(nil), r.Notifications...)
}
