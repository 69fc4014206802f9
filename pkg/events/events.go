package events

import (
	"context"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

const (
	// DefaultWindowSize is the number of events retained per kind
	DefaultWindowSize = 1000
	// DefaultQueueSize is the live event buffer per watcher
	DefaultQueueSize = 256
)

// Config tunes retention and per-watcher buffering
type Config struct {
	WindowSize int
	QueueSize  int
}

// Bus fans committed change events out to watchers. Each kind has an
// independent stream with its own lock, retention window and subscribers,
// so a busy kind never slows another.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream

	windowSize int
	queueSize  int
	logger     zerolog.Logger
}

// NewBus creates a watch bus. Zero config values select the defaults.
func NewBus(cfg Config) *Bus {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Bus{
		streams:    make(map[string]*stream),
		windowSize: cfg.WindowSize,
		queueSize:  cfg.QueueSize,
		logger:     log.WithComponent("watch"),
	}
}

// stream is the per-kind delivery state. next is the resourceVersion the
// stream expects to deliver; events that arrive early wait in pending.
type stream struct {
	kind string

	mu       sync.Mutex
	next     int64
	pending  map[int64]types.Event
	window   *btree.BTreeG[types.Event]
	size     int
	watchers map[*Watcher]struct{}
	logger   zerolog.Logger
}

func byResourceVersion(a, b types.Event) bool {
	return a.ResourceVersion < b.ResourceVersion
}

func (b *Bus) stream(kind string) *stream {
	b.mu.RLock()
	s, ok := b.streams[kind]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[kind]; ok {
		return s
	}
	s = &stream{
		kind:     kind,
		next:     1,
		pending:  make(map[int64]types.Event),
		window:   btree.NewG[types.Event](32, byResourceVersion),
		size:     b.windowSize,
		watchers: make(map[*Watcher]struct{}),
		logger:   log.WithKind(b.logger, kind),
	}
	b.streams[kind] = s
	return s
}

// Seed tells the bus the store's current high-water mark for a kind, so the
// first event published after startup is recognised as the next in order.
func (b *Bus) Seed(kind string, highWater int64) {
	s := b.stream(kind)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next > highWater {
		return
	}
	s.next = highWater + 1
	for rv := range s.pending {
		if rv < s.next {
			delete(s.pending, rv)
		}
	}
	s.drainPending()
}

// Publish delivers a committed event. Events of one kind may arrive out of
// order from concurrent commits; they are delivered strictly by
// resourceVersion. Publish never blocks on watchers.
func (b *Bus) Publish(ev types.Event) {
	s := b.stream(ev.Kind)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ev.ResourceVersion < s.next:
		s.logger.Debug().Int64("resource_version", ev.ResourceVersion).Msg("Dropping duplicate event")
	case ev.ResourceVersion > s.next:
		s.pending[ev.ResourceVersion] = ev
		if len(s.pending) > s.size {
			s.skipGap()
		}
	default:
		s.deliver(ev)
		s.next++
		s.drainPending()
	}
}

// Watch subscribes to events of kind with resourceVersion greater than
// since, optionally restricted to one namespace. Retained events are replayed
// first. It fails with Expired when events after since are no longer
// retained. The watcher stops when ctx is cancelled or Stop is called.
func (b *Bus) Watch(ctx context.Context, kind, namespace string, since int64) (*Watcher, error) {
	s := b.stream(kind)
	s.mu.Lock()
	defer s.mu.Unlock()

	if highWater := s.next - 1; since < highWater {
		oldest, ok := s.window.Min()
		if !ok || oldest.ResourceVersion > since+1 {
			return nil, types.NewExpired("too old resource version: %d (%d)", since, oldestVersion(oldest, ok, highWater))
		}
	}

	w := &Watcher{
		stream:    s,
		namespace: namespace,
		since:     since,
		done:      make(chan struct{}),
	}

	var replay []types.Event
	s.window.AscendGreaterOrEqual(types.Event{ResourceVersion: since + 1}, func(ev types.Event) bool {
		if w.matches(ev) {
			replay = append(replay, ev)
		}
		return true
	})

	w.ch = make(chan types.Event, b.queueSize+len(replay))
	for _, ev := range replay {
		w.ch <- ev
	}
	s.watchers[w] = struct{}{}
	metrics.WatchersActive.WithLabelValues(kind).Inc()

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	return w, nil
}

// WatcherCount returns the number of open watchers on a kind
func (b *Bus) WatcherCount(kind string) int {
	s := b.stream(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Close ends every open watch. Watchers see a closed channel and a nil Err.
func (b *Bus) Close() {
	b.mu.RLock()
	streams := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.RUnlock()

	for _, s := range streams {
		s.mu.Lock()
		for w := range s.watchers {
			s.remove(w, nil)
		}
		s.mu.Unlock()
	}
}

// deliver appends ev to the window and offers it to every watcher. Must be
// called with s.mu held.
func (s *stream) deliver(ev types.Event) {
	s.window.ReplaceOrInsert(ev)
	for s.window.Len() > s.size {
		s.window.DeleteMin()
	}
	metrics.WatchEventsTotal.WithLabelValues(s.kind, string(ev.Type)).Inc()

	for w := range s.watchers {
		if !w.matches(ev) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			s.logger.Warn().Str("namespace", w.namespace).Msg("Watcher queue full, disconnecting")
			metrics.WatchOverflowsTotal.WithLabelValues(s.kind).Inc()
			s.remove(w, types.NewExpired("watch queue overflowed at resource version %d", ev.ResourceVersion))
		}
	}
}

func (s *stream) drainPending() {
	for {
		ev, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.deliver(ev)
		s.next++
	}
}

// skipGap abandons a resourceVersion that never arrived. Watchers that
// resume across the gap will replay from the next retained event.
func (s *stream) skipGap() {
	lowest := int64(-1)
	for rv := range s.pending {
		if lowest < 0 || rv < lowest {
			lowest = rv
		}
	}
	s.logger.Warn().Int64("expected", s.next).Int64("resuming_at", lowest).Msg("Skipping missing events")
	s.next = lowest
	s.drainPending()
}

// remove unregisters w and closes its channel. Must be called with s.mu
// held; removing an already removed watcher is a no-op.
func (s *stream) remove(w *Watcher, err error) {
	if _, ok := s.watchers[w]; !ok {
		return
	}
	delete(s.watchers, w)

	w.mu.Lock()
	w.err = err
	w.mu.Unlock()

	close(w.done)
	close(w.ch)
	metrics.WatchersActive.WithLabelValues(s.kind).Dec()
}

func oldestVersion(oldest types.Event, ok bool, highWater int64) int64 {
	if !ok {
		return highWater
	}
	return oldest.ResourceVersion
}

// Watcher is one subscription to a kind's event stream
type Watcher struct {
	stream    *stream
	namespace string
	// since is the cursor; events at or below it are never delivered
	since int64

	ch   chan types.Event
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

// Events returns the ordered event channel. It is closed when the watch
// ends; check Err to learn why.
func (w *Watcher) Events() <-chan types.Event {
	return w.ch
}

// Done is closed when the watcher is removed from the bus
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err returns Expired if the watcher was disconnected for falling behind,
// and nil if it was stopped or the bus closed.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop releases the subscription. It is safe to call more than once and
// from any goroutine. Events still buffered are discarded.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		s := w.stream
		s.mu.Lock()
		s.remove(w, nil)
		s.mu.Unlock()

		for range w.ch {
		}
	})
}

func (w *Watcher) matches(ev types.Event) bool {
	if ev.ResourceVersion <= w.since {
		return false
	}
	return w.namespace == "" || ev.Namespace() == w.namespace
}
