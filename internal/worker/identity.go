package worker

import (
	"log/slog"
	"os"
)

// Identity names a worker process. It is fixed at startup and used as the
// key for heartbeats and job pulls.
type Identity struct {
	Name     string
	Hostname string
}

// NewIdentity returns an Identity for name on the current host.
func NewIdentity(name string) Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Identity{Name: name, Hostname: host}
}

// Logger returns log annotated with the worker and hostname attributes.
func (id Identity) Logger(log *slog.Logger) *slog.Logger {
	return log.With("worker", id.Name, "hostname", id.Hostname)
}

// TagSource supplies the worker's current tag set. It is read fresh on every
// heartbeat and every shared-queue pull.
type TagSource interface {
	Tags() []string
}

// StaticTags is a TagSource that never changes.
type StaticTags []string

// Tags implements TagSource.
func (s StaticTags) Tags() []string { return s }
