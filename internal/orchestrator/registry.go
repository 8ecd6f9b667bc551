package orchestrator

import (
	"sync"

	"github.com/sigreer/multiflash/internal/board"
	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/session"
)

// registry maps board serials to the session that owns them. Sessions
// claim from their own goroutines once identification yields a serial,
// which may come from the volume or only from the board's marker file.
type registry struct {
	mu      sync.Mutex
	owner   map[string]*session.Session
	flashed map[string]bool
}

func newRegistry() *registry {
	return &registry{
		owner:   make(map[string]*session.Session),
		flashed: make(map[string]bool),
	}
}

// claim gives b to s. A board owned by another session is handed to that
// session as its reappeared volume and s is turned away, as it is for a
// board already flashed unless reflash is set.
func (r *registry) claim(s *session.Session, b *board.Board, reflash bool) error {
	if b.Serial == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.owner[b.Serial]; ok && cur != s {
		cur.Reappear(b.Volume)
		return flasherr.Errorf(flasherr.KindDuplicate, "board %s is handled by session %s", b.Key, cur.ID)
	}
	if r.flashed[b.Serial] && !reflash {
		return flasherr.Errorf(flasherr.KindDuplicate, "board %s already flashed in this run", b.Key)
	}
	r.owner[b.Serial] = s
	return nil
}

// release drops every claim of s and marks its boards flashed when done
func (r *registry) release(s *session.Session, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for serial, cur := range r.owner {
		if cur != s {
			continue
		}
		delete(r.owner, serial)
		if done {
			r.flashed[serial] = true
		}
	}
}

func (r *registry) isFlashed(serial string) bool {
	if serial == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flashed[serial]
}
