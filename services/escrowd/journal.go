package escrowd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"stakepact/core/events"
	"stakepact/escrow"
)

// journalBacklogLimit bounds how many journal rows a new subscriber replays
// before switching to live delivery.
const journalBacklogLimit = 512

// Journal implements events.Emitter. Every engine event is appended to the
// sidecar journal, handed to registered sinks, and fanned out to live stream
// subscribers. Journal failures are logged and never fail the operation that
// produced the event.
type Journal struct {
	sidecar *Sidecar
	logger  *slog.Logger
	nowFn   func() time.Time

	mu     sync.Mutex
	subs   map[uint64]chan StoredEvent
	nextID uint64
	sinks  []func(StoredEvent)
}

// NewJournal wraps the sidecar as the engine's event emitter.
func NewJournal(sidecar *Sidecar, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		sidecar: sidecar,
		logger:  logger,
		nowFn:   time.Now,
		subs:    make(map[uint64]chan StoredEvent),
	}
}

// AddSink registers a callback invoked for every journaled event. Sinks must
// not block; the webhook dispatcher uses one to feed its queue.
func (j *Journal) AddSink(fn func(StoredEvent)) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	j.sinks = append(j.sinks, fn)
	j.mu.Unlock()
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	stored := StoredEvent{Type: evt.EventType(), CreatedAt: j.nowFn().UTC()}
	if typed, ok := evt.(*escrow.Event); ok && typed != nil {
		stored.Attributes = cloneAttributes(typed.Attributes)
		stored.EscrowID = stored.Attributes["id"]
		if stored.EscrowID == "" {
			stored.EscrowID = stored.Attributes["escrowId"]
		}
	}
	seq, err := j.sidecar.AppendEvent(context.Background(), stored)
	if err != nil {
		j.logger.Error("event journal append failed", "type", stored.Type, "error", err)
		return
	}
	stored.Sequence = seq
	j.publish(stored)
}

// Subscribe registers a live event subscriber starting after the supplied
// cursor. The returned backlog holds the journaled events past the cursor;
// live events follow on the channel. Callers must invoke cancel when done.
func (j *Journal) Subscribe(ctx context.Context, cursor string) (<-chan StoredEvent, func(), []StoredEvent, error) {
	var since int64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || parsed < 0 {
			return nil, nil, nil, fmt.Errorf("escrowd: invalid cursor %q", cursor)
		}
		since = parsed
	}

	updates := make(chan StoredEvent, 32)
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = updates
	j.mu.Unlock()

	backlog, err := j.sidecar.EventsAfter(ctx, since, journalBacklogLimit)
	if err != nil {
		j.unsubscribe(id)
		return nil, nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { j.unsubscribe(id) })
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}

func (j *Journal) unsubscribe(id uint64) {
	j.mu.Lock()
	if sub, ok := j.subs[id]; ok {
		delete(j.subs, id)
		close(sub)
	}
	j.mu.Unlock()
}

func (j *Journal) publish(evt StoredEvent) {
	j.mu.Lock()
	subscribers := make([]chan StoredEvent, 0, len(j.subs))
	for _, ch := range j.subs {
		subscribers = append(subscribers, ch)
	}
	sinks := append([]func(StoredEvent)(nil), j.sinks...)
	j.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, sink := range sinks {
		sink(evt)
	}
}

func cloneAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
