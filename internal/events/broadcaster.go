// ABOUTME: Per-run event delivery to the owning connection with sequence numbers
// ABOUTME: Persists every event and supports replay-then-follow for reconnects

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/store"
)

var (
	// ErrUnknownRun is returned by Emit for a run that was never registered or
	// was already released.
	ErrUnknownRun = errors.New("run not registered for events")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broadcaster closed")
)

// replayLimit bounds a single Follow replay.
const replayLimit = 1000

// Sink is a destination for event frames, normally one gateway connection.
type Sink interface {
	ID() string
	SendEvent(ctx context.Context, frame *protocol.EventFrame) error
}

// runStream is the delivery state of one run.
type runStream struct {
	mu    sync.Mutex
	owner Sink
	seq   int64
}

// Broadcaster routes agent events to run owners.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]*runStream // runID -> stream
	store   store.RunStore
	logger  *slog.Logger
	closed  bool
	now     func() time.Time
}

// NewBroadcaster creates a broadcaster. A nil store disables persistence and
// replay. Pass nil logger for default.
func NewBroadcaster(st store.RunStore, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		streams: make(map[string]*runStream),
		store:   st,
		logger:  logger.With("component", "events"),
		now:     time.Now,
	}
}

// Register binds a run to its owning sink. Registering an existing run only
// changes its owner.
func (b *Broadcaster) Register(runID string, owner Sink) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	s, ok := b.streams[runID]
	if !ok {
		s = &runStream{}
		b.streams[runID] = s
	}
	b.mu.Unlock()

	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
	return nil
}

func (b *Broadcaster) stream(runID string) (*runStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s, ok := b.streams[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return s, nil
}

// Emit stamps evt with the run's next sequence number, persists it and hands
// it to the run's owner, if any. The stamped event is returned.
func (b *Broadcaster) Emit(ctx context.Context, runID string, evt protocol.AgentEvent) (protocol.AgentEvent, error) {
	s, err := b.stream(runID)
	if err != nil {
		return evt, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	evt.RunID = runID
	evt.Seq = s.seq

	b.persist(ctx, evt)

	if s.owner == nil {
		return evt, nil
	}
	if err := s.owner.SendEvent(ctx, protocol.NewEvent(protocol.EventAgent, evt)); err != nil {
		b.logger.Debug("event not delivered",
			"run_id", runID,
			"seq", evt.Seq,
			"sink", s.owner.ID(),
			"error", err)
	}
	return evt, nil
}

func (b *Broadcaster) persist(ctx context.Context, evt protocol.AgentEvent) {
	if b.store == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("encoding event", "run_id", evt.RunID, "error", err)
		return
	}
	err = b.store.SaveRunEvent(context.WithoutCancel(ctx), &store.RunEvent{
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		Kind:      string(evt.Kind),
		Payload:   payload,
		CreatedAt: b.now(),
	})
	if err != nil {
		b.logger.Warn("persisting event", "run_id", evt.RunID, "seq", evt.Seq, "error", err)
	}
}

// History returns stored events of a run with seq greater than afterSeq.
func (b *Broadcaster) History(ctx context.Context, runID string, afterSeq int64, limit int) ([]protocol.AgentEvent, error) {
	if b.store == nil {
		return nil, nil
	}
	stored, err := b.store.ListRunEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing run events: %w", err)
	}
	out := make([]protocol.AgentEvent, 0, len(stored))
	for _, se := range stored {
		var evt protocol.AgentEvent
		if err := json.Unmarshal(se.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decoding run event %d: %w", se.Seq, err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// Follow replays stored events after afterSeq to sink and, if the run is
// still registered, makes sink its owner. Replay and takeover happen under the
// run's lock so no live event is missed or sent twice. Returns the number of
// replayed events and whether live delivery was taken over.
func (b *Broadcaster) Follow(ctx context.Context, runID string, sink Sink, afterSeq int64) (int, bool, error) {
	s, err := b.stream(runID)
	if errors.Is(err, ErrClosed) {
		return 0, false, err
	}
	live := err == nil
	if live {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	history, err := b.History(ctx, runID, afterSeq, replayLimit)
	if err != nil {
		return 0, false, err
	}
	for _, evt := range history {
		if err := sink.SendEvent(ctx, protocol.NewEvent(protocol.EventAgent, evt)); err != nil {
			return 0, false, fmt.Errorf("replaying event %d: %w", evt.Seq, err)
		}
	}

	if live {
		s.owner = sink
		b.logger.Debug("run followed", "run_id", runID, "sink", sink.ID(), "replayed", len(history))
	}
	return len(history), live, nil
}

// DetachSink unbinds sink from every run it owns. Returns the number of runs
// left without an owner.
func (b *Broadcaster) DetachSink(sinkID string) int {
	b.mu.Lock()
	streams := make([]*runStream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	n := 0
	for _, s := range streams {
		s.mu.Lock()
		if s.owner != nil && s.owner.ID() == sinkID {
			s.owner = nil
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Release forgets a finished run. Later emits for it fail with ErrUnknownRun.
func (b *Broadcaster) Release(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, runID)
}

// Active returns the number of registered runs.
func (b *Broadcaster) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Close drops all runs and rejects further use.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	clear(b.streams)
	b.logger.Debug("broadcaster closed")
}
