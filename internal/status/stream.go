package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Stream writes one JSON object per line for every state transition.
type Stream struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewStream writes to w. Close does not close w.
func NewStream(w io.Writer) *Stream {
	return &Stream{enc: json.NewEncoder(w)}
}

// OpenStream appends to the file at path, creating it if needed. "-"
// means stdout.
func OpenStream(path string) (*Stream, error) {
	if path == "-" {
		return NewStream(os.Stdout), nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	s := NewStream(f)
	s.closer = f
	return s, nil
}

// Record writes ev as one line.
func (s *Stream) Record(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
