// Package orchestrator runs the flashing process: it turns volume events
// into board sessions, bounds how many run at once, and decides when the
// run is over and whether it succeeded.
package orchestrator

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sigreer/multiflash/internal/board"
	"github.com/sigreer/multiflash/internal/copier"
	"github.com/sigreer/multiflash/internal/flasherr"
	"github.com/sigreer/multiflash/internal/manifest"
	"github.com/sigreer/multiflash/internal/session"
	"github.com/sigreer/multiflash/internal/status"
	"github.com/sigreer/multiflash/internal/volume"
)

// Watcher produces volume events until its context ends.
type Watcher interface {
	Run(ctx context.Context, out chan<- volume.Event) error
}

// Publisher receives a fresh snapshot after every change.
type Publisher interface {
	Publish(s *status.Snapshot)
}

// Recorder receives every session state transition, in order.
type Recorder interface {
	Record(ev status.Event) error
}

type Options struct {
	// RunID names the run; a random one is generated when empty
	RunID string
	// Concurrency is the maximum number of live sessions
	Concurrency int
	// QuietPeriod ends the run after this long with nothing live or queued (0 disables)
	QuietPeriod time.Duration
	// Expect ends the run once this many boards finished (0 disables)
	Expect      int
	ReflashDone bool
	Session     session.Options
}

type Deps struct {
	Watcher    Watcher
	Identifier session.Identifier
	Copier     session.Copier
	Manifest   *manifest.Manifest
	Publisher  Publisher
	Recorders  []Recorder
}

type entry struct {
	sess   *session.Session
	seq    int
	status status.BoardStatus
	// lost is set once the volume disappeared and cleared when the session copies again
	lost bool
	// held is a serial-less volume that remounted where this session lost its
	// own; it is released once the session copies again or ends
	held *volume.Volume
}

type Orchestrator struct {
	opts Options
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	runID    string
	stop     chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the event loop.
	sessCtx   context.Context
	updates   chan session.Update
	group     *errgroup.Group
	stopWatch context.CancelFunc

	entries  map[string]*entry
	order    []*entry
	byMount  map[string]*entry
	bySerial map[string]*entry
	boards   *registry
	finished map[string]bool
	queue    []volume.Volume
	live     int
	stopping bool

	started      time.Time
	lastActivity time.Time
}

func New(opts Options, deps Deps, log zerolog.Logger) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	return &Orchestrator{
		opts:     opts,
		deps:     deps,
		log:      log,
		now:      time.Now,
		runID:    opts.RunID,
		stop:     make(chan struct{}),
		entries:  make(map[string]*entry),
		byMount:  make(map[string]*entry),
		bySerial: make(map[string]*entry),
		boards:   newRegistry(),
		finished: make(map[string]bool),
	}
}

// RunID identifies this run in snapshots, events and history.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Stop ends the run gracefully: no new sessions start, queued volumes are
// dropped, live sessions finish. Safe to call from any goroutine, any
// number of times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Run processes volume events until the run ends. Cancelling ctx aborts
// every live session, which then ends failed(aborted). The summary is
// always returned; the error reports a watcher failure.
func (o *Orchestrator) Run(ctx context.Context) (*status.Summary, error) {
	o.started = o.now()
	o.lastActivity = o.started

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()

	// Sessions outlive ctx long enough to report their abort
	sessCtx, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)

	events := make(chan volume.Event, 64)
	o.sessCtx = sessCtx
	o.updates = make(chan session.Update, 64)
	o.group = g
	o.stopWatch = stopWatch

	o.log.Info().Str("run", o.runID).Int("concurrency", o.opts.Concurrency).
		Int("files", len(o.deps.Manifest.Entries)).Msg("Waiting for boards")

	g.Go(func() error {
		err := o.deps.Watcher.Run(watchCtx, events)
		if err != nil && watchCtx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		defer stopWatch()
		o.loop(gctx, abort, events)
		return nil
	})

	err := g.Wait()
	return o.summary(), err
}

func (o *Orchestrator) loop(ctx context.Context, abort context.CancelCauseFunc, events <-chan volume.Event) {
	var quiet <-chan time.Time
	if o.opts.QuietPeriod > 0 {
		tick := o.opts.QuietPeriod / 4
		if tick < 10*time.Millisecond {
			tick = 10 * time.Millisecond
		}
		t := time.NewTicker(tick)
		defer t.Stop()
		quiet = t.C
	}

	done := ctx.Done()
	stop := o.stop

	o.publish()

	for !o.stopping || o.live > 0 {
		select {
		case <-done:
			done = nil
			o.log.Warn().Int("live", o.live).Msg("Aborting run")
			o.halt()
			abort(flasherr.ErrAborted)

		case <-stop:
			stop = nil
			o.log.Info().Int("live", o.live).Msg("Stopping, waiting for live sessions")
			o.halt()

		case ev := <-events:
			switch ev.Kind {
			case volume.Appeared:
				o.appeared(ev.Volume)
			case volume.Disappeared:
				o.disappeared(ev.Volume)
			}

		case u := <-o.updates:
			o.update(u)

		case <-quiet:
			if o.live == 0 && len(o.queue) == 0 && o.now().Sub(o.lastActivity) >= o.opts.QuietPeriod {
				o.log.Info().Dur("quiet_period", o.opts.QuietPeriod).Msg("No activity, finishing run")
				o.halt()
			}
		}
	}

	o.publish()
}

// halt stops accepting volumes. Live sessions keep running.
func (o *Orchestrator) halt() {
	if o.stopping {
		return
	}
	o.stopping = true
	o.stopWatch()

	if len(o.queue) > 0 {
		o.log.Info().Int("queued", len(o.queue)).Msg("Dropping queued volumes")
		o.queue = nil
	}
	for _, e := range o.order {
		e.held = nil
	}
	o.publish()
}

func (o *Orchestrator) appeared(v volume.Volume) {
	o.lastActivity = o.now()
	if o.stopping {
		return
	}

	log := o.log.With().Str("mount", v.MountPath).Str("device", v.DeviceID).Logger()

	// The board of a session that lost its volume came back
	if v.Serial != "" {
		if e, ok := o.bySerial[v.Serial]; ok && (e.lost || e.status.State == session.Retrying) {
			log.Info().Str("board", e.status.Key).Msg("Board reappeared, resuming its session")
			e.lost = false
			o.setMount(e, v.MountPath)
			e.sess.Reappear(v)
			o.publish()
			return
		}
	}

	// Without a serial only the session can tell whether this is its board
	// back on the same path. Hold the volume until it decides.
	if v.Serial == "" {
		if e := o.lostAt(v.MountPath); e != nil {
			log.Info().Str("board", e.status.Key).Msg("Volume remounted where a session lost its board, holding it")
			e.held = &v
			e.sess.Reappear(v)
			o.publish()
			return
		}
	}

	if !o.eligible(v, log) || slices.ContainsFunc(o.queue, func(q volume.Volume) bool { return q.MountPath == v.MountPath }) {
		return
	}

	if o.live >= o.opts.Concurrency {
		log.Info().Int("live", o.live).Msg("Concurrency limit reached, queueing volume")
		o.queue = append(o.queue, v)
		o.publish()
		return
	}

	o.spawn(v)
	o.publish()
}

// eligible reports whether a volume may start a session now
func (o *Orchestrator) eligible(v volume.Volume, log zerolog.Logger) bool {
	if _, ok := o.byMount[v.MountPath]; ok {
		log.Debug().Msg("Mount already has a live session")
		return false
	}
	if v.Serial == "" {
		return true
	}
	if _, ok := o.bySerial[v.Serial]; ok {
		log.Debug().Str("serial", v.Serial).Msg("Board already has a live session")
		return false
	}
	if o.boards.isFlashed(v.Serial) && !o.opts.ReflashDone {
		log.Info().Str("serial", v.Serial).Msg("Board already flashed in this run, skipping")
		return false
	}
	return true
}

// lostAt returns the live session that lost its volume at mount
func (o *Orchestrator) lostAt(mount string) *entry {
	for _, e := range o.order {
		if e.status.State.Terminal() || e.status.Mount != mount {
			continue
		}
		if e.lost || e.status.State == session.Retrying {
			return e
		}
	}
	return nil
}

func (o *Orchestrator) disappeared(v volume.Volume) {
	o.lastActivity = o.now()

	before := len(o.queue)
	o.queue = slices.DeleteFunc(o.queue, func(q volume.Volume) bool {
		return q.MountPath == v.MountPath && q.DeviceID == v.DeviceID
	})
	if len(o.queue) != before {
		o.log.Info().Str("mount", v.MountPath).Msg("Queued volume removed")
	}

	for _, e := range o.order {
		if e.held != nil && e.held.MountPath == v.MountPath && e.held.DeviceID == v.DeviceID {
			e.held = nil
		}
	}

	if e, ok := o.byMount[v.MountPath]; ok {
		o.log.Info().Str("mount", v.MountPath).Str("board", e.status.Key).Msg("Volume disappeared")
		e.lost = true
		delete(o.byMount, v.MountPath)
		e.sess.Lost()
	}

	o.publish()
}

func (o *Orchestrator) spawn(v volume.Volume) {
	now := o.now()
	id := uuid.NewString()

	e := &entry{
		seq: len(o.order),
		status: status.BoardStatus{
			Key:       board.KeyFor(v, v.Serial),
			SessionID: id,
			Label:     v.Name(),
			Serial:    v.Serial,
			Mount:     v.MountPath,
			State:     session.Discovered,
			Started:   now,
			Updated:   now,
		},
	}
	opts := o.opts.Session
	opts.Claim = func(b *board.Board) error {
		return o.boards.claim(e.sess, b, o.opts.ReflashDone)
	}
	e.sess = session.New(id, v, o.deps.Identifier, o.deps.Copier, o.deps.Manifest, opts, o.updates, o.log)

	o.entries[id] = e
	o.order = append(o.order, e)
	o.byMount[v.MountPath] = e
	if v.Serial != "" {
		o.bySerial[v.Serial] = e
	}
	o.live++

	o.log.Info().Str("session", id).Str("mount", v.MountPath).Int("live", o.live).Msg("Session started")
	o.record(e)

	ctx := o.sessCtx
	o.group.Go(func() error {
		e.sess.Run(ctx)
		return nil
	})
}

func (o *Orchestrator) update(u session.Update) {
	e, ok := o.entries[u.SessionID]
	if !ok {
		return
	}
	o.lastActivity = o.now()

	st := &e.status
	st.Updated = u.At

	if b := u.Board; b != nil {
		st.Key = b.Key
		st.Label = b.Label()
		st.Type = b.Type
		st.Serial = b.Serial
		st.Warning = b.Warning
		if b.Serial != "" {
			if cur, ok := o.bySerial[b.Serial]; !ok || cur == e {
				o.bySerial[b.Serial] = e
			}
		}
	}

	if !u.Transition() {
		st.Progress = *u.Progress
		o.publish()
		return
	}

	st.State = u.State
	st.Attempt = u.Attempt
	st.ErrKind, st.Error = flasherr.KindNone, ""
	if u.Err != nil {
		st.ErrKind = flasherr.KindOf(u.Err)
		st.Error = u.Err.Error()
	}

	var released *volume.Volume
	switch {
	case u.State == session.Copying:
		st.Progress = copier.Progress{}
		e.lost = false
		o.setMount(e, u.Volume.MountPath)
		if e.held != nil && e.held.MountPath != u.Volume.MountPath {
			released = e.held
		}
		e.held = nil

	case u.State.Terminal():
		o.finish(e, u)
		released, e.held = e.held, nil
	}

	o.record(e)
	o.publish()

	if released != nil {
		o.log.Info().Str("mount", released.MountPath).Msg("Held volume was not this session's board, releasing it")
		o.appeared(*released)
	}

	if u.State.Terminal() {
		o.startQueued()
		if o.opts.Expect > 0 && len(o.finished) >= o.opts.Expect && !o.stopping {
			o.log.Info().Int("expect", o.opts.Expect).Msg("Expected number of boards finished")
			o.halt()
		}
	}
}

func (o *Orchestrator) finish(e *entry, u session.Update) {
	st := &e.status
	st.Finished = u.At
	o.live--

	if o.byMount[st.Mount] == e {
		delete(o.byMount, st.Mount)
	}
	for serial, cur := range o.bySerial {
		if cur == e {
			delete(o.bySerial, serial)
		}
	}

	o.boards.release(e.sess, u.State == session.Done)
	if st.Counted() {
		o.finished[st.Key] = true
	}

	level := zerolog.InfoLevel
	if u.State == session.Failed && !st.Ignored() {
		level = zerolog.WarnLevel
	}
	o.log.WithLevel(level).Str("session", st.SessionID).Str("board", st.Key).Str("state", string(st.State)).
		Str("kind", string(st.ErrKind)).Dur("elapsed", st.Elapsed()).Int("live", o.live).Msg("Session finished")
}

// setMount points the mount index at e for path
func (o *Orchestrator) setMount(e *entry, path string) {
	if path == "" {
		return
	}
	if o.byMount[e.status.Mount] == e {
		delete(o.byMount, e.status.Mount)
	}
	e.status.Mount = path
	if cur, ok := o.byMount[path]; !ok || cur == e {
		o.byMount[path] = e
	}
}

func (o *Orchestrator) startQueued() {
	for o.live < o.opts.Concurrency && len(o.queue) > 0 && !o.stopping {
		v := o.queue[0]
		o.queue = o.queue[1:]

		if !o.eligible(v, o.log.With().Str("mount", v.MountPath).Logger()) {
			continue
		}
		o.spawn(v)
	}
}

func (o *Orchestrator) record(e *entry) {
	st := e.status
	ev := status.Event{
		RunID:     o.runID,
		SessionID: st.SessionID,
		Board:     st.Key,
		Serial:    st.Serial,
		Mount:     st.Mount,
		State:     st.State,
		Attempt:   st.Attempt,
		ErrKind:   st.ErrKind,
		Error:     st.Error,
		At:        st.Updated,
	}
	for _, r := range o.deps.Recorders {
		if err := r.Record(ev); err != nil {
			o.log.Warn().Err(err).Msg("Failed to record transition")
		}
	}
}

// latest returns the newest session's status per board key, sorted by key.
// A session turned away as a duplicate never hides the one that owns the board.
func (o *Orchestrator) latest() []status.BoardStatus {
	newest := make(map[string]*entry)
	for _, e := range o.order {
		cur, ok := newest[e.status.Key]
		switch {
		case !ok:
			newest[e.status.Key] = e
		case e.duplicate():
		case cur.duplicate() || e.seq > cur.seq:
			newest[e.status.Key] = e
		}
	}

	out := make([]status.BoardStatus, 0, len(newest))
	for _, e := range newest {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (o *Orchestrator) publish() {
	snap := &status.Snapshot{
		RunID:  o.runID,
		Taken:  o.now(),
		Boards: o.latest(),
	}
	for _, v := range o.queue {
		snap.Queued = append(snap.Queued, v.MountPath)
	}
	o.deps.Publisher.Publish(snap)
}

func (o *Orchestrator) summary() *status.Summary {
	s := &status.Summary{
		RunID:    o.runID,
		Started:  o.started,
		Finished: o.now(),
		Boards:   o.latest(),
	}

	counted := 0
	for _, b := range s.Boards {
		switch {
		case b.Ignored():
			s.Counts.Ignored++
		case b.State == session.Done:
			s.Counts.Done++
			counted++
		case b.State.Terminal():
			s.Counts.Failed++
			counted++
		default:
			s.Counts.Active++
		}
	}

	s.Succeeded = s.Counts.Failed == 0 && s.Counts.Active == 0 &&
		(o.opts.Expect == 0 || counted >= o.opts.Expect)
	return s
}

func (e *entry) duplicate() bool {
	return e.status.ErrKind == flasherr.KindDuplicate
}

type nopPublisher struct{}

func (nopPublisher) Publish(*status.Snapshot) {}
