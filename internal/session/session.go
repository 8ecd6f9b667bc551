// Package session drives one board from identification to a verified copy.
//
// A Session runs on its own goroutine and reports every state change, in
// order, on the updates channel it was created with. The receiver must keep
// draining that channel until the session's terminal update arrives.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/sigreer/multiflash/internal/board"
	"github.com/sigreer/multiflash/internal/copier"
	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/manifest"
	"github.com/sigreer/multiflash/internal/volume"
)

// Identifier classifies a mounted volume.
type Identifier interface {
	Identify(ctx context.Context, v volume.Volume) (*board.Board, error)
}

// Copier writes and verifies entries under a destination root. Progress in
// the verify phase moves the session to Verifying; a copy that returns
// without any enters it anyway.
type Copier interface {
	Copy(ctx context.Context, dest string, entries []manifest.Entry, onProgress func(copier.Progress)) (*copier.Result, error)
	Stale(ctx context.Context, dest string, entries []manifest.Entry) ([]string, error)
}

// Options are the retry and timing knobs of a session.
type Options struct {
	IdentifyAttempts  int
	IdentifyDelay     time.Duration
	DeviceLostRetries int
	GraceWindow       time.Duration
	// ReturnPollInterval is how often a retrying session checks for its board
	ReturnPollInterval time.Duration
	SettleDelay        time.Duration
	ProgressInterval   time.Duration

	// Claim reserves the identified board for this session. An error ends
	// the session before anything is written.
	Claim func(b *board.Board) error
}

// Update is one message from a session: a state transition, or a progress
// report when Progress is set.
type Update struct {
	SessionID string
	State     State
	Board     *board.Board
	Volume    volume.Volume
	Attempt   int
	Progress  *copier.Progress
	Result    *copier.Result
	Err       error
	At        time.Time
}

// Transition reports whether the update is a state change.
func (u Update) Transition() bool {
	return u.Progress == nil
}

// Session is the lifecycle of one board on one appearance.
type Session struct {
	ID string

	vol      volume.Volume
	ident    Identifier
	copier   Copier
	manifest *manifest.Manifest
	opts     Options
	updates  chan<- Update
	log      zerolog.Logger
	now      func() time.Time
	sync     func()

	reappear chan volume.Volume

	mu     sync.Mutex
	lost   bool
	cancel context.CancelCauseFunc

	// owned by the Run goroutine
	state    State
	board    *board.Board
	attempt  int
	lastSent time.Time
}

// New creates a session for a freshly appeared volume. Run starts it.
func New(id string, v volume.Volume, ident Identifier, cp Copier, m *manifest.Manifest, opts Options, updates chan<- Update, log zerolog.Logger) *Session {
	if opts.IdentifyAttempts < 1 {
		opts.IdentifyAttempts = 1
	}
	if opts.ReturnPollInterval <= 0 {
		opts.ReturnPollInterval = time.Second
	}

	return &Session{
		ID:       id,
		vol:      v,
		ident:    ident,
		copier:   cp,
		manifest: m,
		opts:     opts,
		updates:  updates,
		log:      log.With().Str("session", id).Str("mount", v.MountPath).Logger(),
		now:      time.Now,
		sync:     unix.Sync,
		reappear: make(chan volume.Volume, 1),
		state:    Discovered,
	}
}

// Lost tells the session its volume disappeared. The current identify or
// copy attempt is cancelled with flasherr.ErrDeviceLost. Safe to call from
// any goroutine.
func (s *Session) Lost() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lost = true
	if s.cancel != nil {
		s.cancel(flasherr.ErrDeviceLost)
	}
}

// Reappear hands the session the volume its board came back on. It is
// only consumed while the session is retrying. Safe to call from any
// goroutine; a newer volume replaces an unconsumed older one.
func (s *Session) Reappear(v volume.Volume) {
	for {
		select {
		case s.reappear <- v:
			return
		default:
		}
		select {
		case <-s.reappear:
		default:
		}
	}
}

// Run drives the session to Done or Failed. Cancelling ctx aborts it.
func (s *Session) Run(ctx context.Context) {
	s.transition(Identifying, nil)

	b, err := s.identify(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.board = b
	s.log = s.log.With().Str("board", b.Key).Logger()
	s.log.Info().Str("type", b.Type).Str("version", b.Version).Msg("Board identified")

	if s.opts.Claim != nil {
		if err := s.opts.Claim(b); err != nil {
			s.fail(ctx, err)
			return
		}
	}

	entries := s.manifest.Select(b.Include)
	s.audit(ctx, entries)
	retries := 0

	for {
		s.attempt++
		s.transition(Copying, nil)

		res, err := s.copyOnce(ctx, entries)
		if err == nil {
			if s.state == Copying {
				s.transition(Verifying, nil)
			}
			s.transition(Settling, res)
			break
		}

		if ctx.Err() != nil || flasherr.KindOf(err) != flasherr.KindDeviceLost {
			s.fail(ctx, err)
			return
		}

		if !s.board.HasSerial() {
			s.log.Warn().Msg("Volume lost and board has no serial to recognise it by")
			s.fail(ctx, err)
			return
		}
		if retries >= s.opts.DeviceLostRetries {
			s.fail(ctx, err)
			return
		}
		retries++

		s.transitionErr(Retrying, err)

		v, ok := s.awaitReturn(ctx)
		if !ok {
			if ctx.Err() != nil {
				s.fail(ctx, err)
				return
			}
			s.fail(ctx, flasherr.Errorf(flasherr.KindDeviceLost, "board did not come back within %s", s.opts.GraceWindow))
			return
		}

		nb := *s.board
		nb.Volume = v
		s.board = &nb
		s.log.Info().Str("mount", v.MountPath).Int("retry", retries).Msg("Board back, copying again")
	}

	if s.state.Terminal() {
		return
	}

	// Content is verified at this point; a removal during the settle delay
	// does not undo it.
	s.sync()
	if s.opts.SettleDelay > 0 {
		timer := time.NewTimer(s.opts.SettleDelay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if ctx.Err() != nil {
		s.fail(ctx, ctx.Err())
		return
	}

	s.transition(Done, nil)
	s.log.Info().Msg("Board flashed")
}

func (s *Session) identify(ctx context.Context) (*board.Board, error) {
	actx, done := s.beginAttempt(ctx)
	defer done()

	op := func() (*board.Board, error) {
		b, err := s.ident.Identify(actx, s.vol)
		if err == nil {
			return b, nil
		}
		if actx.Err() != nil || !flasherr.Retryable(flasherr.KindOf(err)) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(actx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.IdentifyDelay)),
		backoff.WithMaxTries(uint(s.opts.IdentifyAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debug().Err(err).Dur("next", next).Msg("Volume not readable yet")
		}),
	)
}

func (s *Session) copyOnce(ctx context.Context, entries []manifest.Entry) (*copier.Result, error) {
	actx, done := s.beginAttempt(ctx)
	defer done()

	return s.copier.Copy(actx, s.board.Volume.MountPath, entries, s.onProgress)
}

// beginAttempt derives a context that Lost cancels. A loss reported before
// the attempt started cancels it at once.
func (s *Session) beginAttempt(ctx context.Context) (context.Context, func()) {
	actx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.cancel = cancel
	if s.lost {
		cancel(flasherr.ErrDeviceLost)
	}
	s.mu.Unlock()

	return actx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel(nil)
	}
}

// awaitReturn waits up to the grace window for the board to come back on a
// volume announced through Reappear or on its old mount path. A volume only
// counts once it identifies with the board's serial.
func (s *Session) awaitReturn(ctx context.Context) (volume.Volume, bool) {
	grace := time.NewTimer(s.opts.GraceWindow)
	defer grace.Stop()
	poll := time.NewTicker(s.opts.ReturnPollInterval)
	defer poll.Stop()

	old := s.board.Volume
	var announced *volume.Volume

	for {
		select {
		case <-ctx.Done():
			return volume.Volume{}, false
		case <-grace.C:
			return volume.Volume{}, false
		case v := <-s.reappear:
			announced = &v
		case <-poll.C:
		}

		if announced != nil {
			if v, ok := s.isOurs(ctx, *announced); ok {
				s.found()
				return v, true
			}
		}
		if v, ok := s.isOurs(ctx, old); ok {
			// an announcement racing the poll is now stale
			select {
			case <-s.reappear:
			default:
			}
			s.found()
			return v, true
		}
	}
}

func (s *Session) isOurs(ctx context.Context, v volume.Volume) (volume.Volume, bool) {
	b, err := s.ident.Identify(ctx, v)
	if err != nil || b.Serial != s.board.Serial {
		return volume.Volume{}, false
	}
	return b.Volume, true
}

// audit warns about destination files the bundle does not provide. They
// are left in place.
func (s *Session) audit(ctx context.Context, entries []manifest.Entry) {
	stale, err := s.copier.Stale(ctx, s.board.Volume.MountPath, entries)
	if err != nil {
		s.log.Debug().Err(err).Msg("Destination audit skipped")
		return
	}
	if len(stale) == 0 {
		return
	}
	s.log.Warn().Strs("files", stale).Msg("Destination holds files outside the bundle")

	nb := *s.board
	if nb.Warning != "" {
		nb.Warning += "; "
	}
	nb.Warning += staleWarning(stale)
	s.board = &nb
}

func staleWarning(files []string) string {
	const shown = 3
	if len(files) <= shown {
		return fmt.Sprintf("%d stale file(s): %s", len(files), strings.Join(files, ", "))
	}
	return fmt.Sprintf("%d stale file(s): %s and %d more",
		len(files), strings.Join(files[:shown], ", "), len(files)-shown)
}

func (s *Session) found() {
	s.mu.Lock()
	s.lost = false
	s.mu.Unlock()
}

func (s *Session) onProgress(p copier.Progress) {
	if p.Phase == copier.PhaseVerify && s.state == Copying {
		s.transition(Verifying, nil)
	}

	now := s.now()
	finished := p.FilesDone == p.FilesTotal
	if !finished && now.Sub(s.lastSent) < s.opts.ProgressInterval {
		return
	}
	s.lastSent = now

	s.send(Update{State: s.state, Progress: &p})
}

// fail ends the session. An error seen after ctx was cancelled is reported
// as an abort.
func (s *Session) fail(ctx context.Context, err error) {
	var fe *flasherr.Error
	if ctx.Err() != nil {
		fe = flasherr.New(flasherr.KindAborted, string(s.state), context.Cause(ctx))
	} else if !errors.As(err, &fe) {
		fe = flasherr.New(flasherr.KindOf(err), string(s.state), err)
	}
	if s.board != nil {
		fe.Board = s.board.Key
	}
	if fe.Phase == "" {
		fe.Phase = string(s.state)
	}

	level := zerolog.WarnLevel
	if !flasherr.Counted(fe.Kind) {
		level = zerolog.DebugLevel
	}
	s.log.WithLevel(level).Err(fe).Str("kind", string(fe.Kind)).Msg("Session failed")

	s.transitionErr(Failed, fe)
}

func (s *Session) transition(to State, res *copier.Result) {
	s.move(to, res, nil)
}

func (s *Session) transitionErr(to State, err error) {
	s.move(to, nil, err)
}

// move sends exactly one terminal update. An edge the state machine does not
// allow fails the session instead of being dropped.
func (s *Session) move(to State, res *copier.Result, err error) {
	if s.state.Terminal() {
		s.log.Error().Str("from", string(s.state)).Str("to", string(to)).Msg("Transition after terminal state")
		return
	}
	if !CanTransition(s.state, to) {
		s.log.Error().Str("from", string(s.state)).Str("to", string(to)).Msg("Illegal state transition")
		if to != Failed {
			fe := flasherr.Errorf(flasherr.KindInternal, "illegal transition %s -> %s", s.state, to)
			fe.Phase = string(s.state)
			if s.board != nil {
				fe.Board = s.board.Key
			}
			to, res, err = Failed, nil, fe
		}
	}
	s.state = to
	s.send(Update{State: to, Result: res, Err: err})
}

func (s *Session) send(u Update) {
	u.SessionID = s.ID
	u.Board = s.board
	u.Volume = s.vol
	if s.board != nil {
		u.Volume = s.board.Volume
	}
	u.Attempt = s.attempt
	u.At = s.now()
	s.updates <- u
}
