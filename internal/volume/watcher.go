package volume

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// EventKind says whether a volume came or went.
type EventKind int

const (
	Appeared EventKind = iota + 1
	Disappeared
)

func (k EventKind) String() string {
	switch k {
	case Appeared:
		return "appeared"
	case Disappeared:
		return "disappeared"
	default:
		return "unknown"
	}
}

// Event is one change in the set of mounted volumes.
type Event struct {
	Kind   EventKind
	Volume Volume
	At     time.Time
}

type pendingRemoval struct {
	vol   Volume
	since time.Time
}

// Watcher polls an Enumerator and reports differences between polls.
//
// A mount path that vanishes is held back for the debounce window. If it
// comes back on the same device inside the window nothing is reported; if
// it comes back on a different device, the old volume disappears and the
// new one appears.
type Watcher struct {
	enum     Enumerator
	interval time.Duration
	debounce time.Duration
	log      zerolog.Logger
	now      func() time.Time

	present map[string]Volume
	pending map[string]pendingRemoval
}

// NewWatcher creates a watcher. Poll and Run must not be used concurrently.
func NewWatcher(enum Enumerator, interval, debounce time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		enum:     enum,
		interval: interval,
		debounce: debounce,
		log:      log,
		now:      time.Now,
		present:  make(map[string]Volume),
		pending:  make(map[string]pendingRemoval),
	}
}

// Poll enumerates once and returns the events since the previous poll.
// A failed enumeration changes nothing.
func (w *Watcher) Poll(ctx context.Context) ([]Event, error) {
	vols, err := w.enum.Volumes(ctx)
	if err != nil {
		return nil, err
	}

	now := w.now()
	current := make(map[string]Volume, len(vols))
	for _, v := range vols {
		current[v.MountPath] = v
	}

	var events []Event
	emit := func(kind EventKind, v Volume) {
		events = append(events, Event{Kind: kind, Volume: v, At: now})
	}

	for _, path := range sortedKeys(current) {
		vol := current[path]

		if old, ok := w.present[path]; ok {
			if old.DeviceID == vol.DeviceID {
				continue
			}
			// Different device under the same path without an observed gap
			emit(Disappeared, old)
			vol.DiscoveredAt = now
			w.present[path] = vol
			emit(Appeared, vol)
			continue
		}

		if p, ok := w.pending[path]; ok {
			delete(w.pending, path)
			if p.vol.DeviceID == vol.DeviceID {
				w.log.Debug().Str("mount", path).Msg("Mount flapped, treating as continuous")
				w.present[path] = p.vol
				continue
			}
			emit(Disappeared, p.vol)
		}

		vol.DiscoveredAt = now
		w.present[path] = vol
		emit(Appeared, vol)
	}

	for _, path := range sortedKeys(w.present) {
		if _, ok := current[path]; ok {
			continue
		}
		old := w.present[path]
		delete(w.present, path)

		if w.debounce > 0 {
			w.pending[path] = pendingRemoval{vol: old, since: now}
			continue
		}
		emit(Disappeared, old)
	}

	for _, path := range sortedKeys(w.pending) {
		p := w.pending[path]
		if now.Sub(p.since) >= w.debounce {
			delete(w.pending, path)
			emit(Disappeared, p.vol)
		}
	}

	return events, nil
}

// Run polls every interval and sends events to out in observation order
// until ctx is done. Enumeration errors are logged and the poll skipped.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		events, err := w.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn().Err(err).Msg("Volume enumeration failed")
		}

		for _, ev := range events {
			w.log.Debug().
				Str("event", ev.Kind.String()).
				Str("mount", ev.Volume.MountPath).
				Str("device", ev.Volume.DeviceID).
				Msg("Volume event")

			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
