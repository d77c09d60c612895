package escrowd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"stakepact/config"
	"stakepact/escrow"
	"stakepact/metrics"
)

const (
	defaultQueueCapacity    = 1024
	defaultQueueTTL         = 15 * time.Minute
	defaultMaxAttempts      = 5
	pausedRedeliveryDelay   = 5 * time.Second
	maxDeliveryBackoff      = 5 * time.Minute
	webhookRequestTimeout   = 10 * time.Second
	pendingWebhookReloadMax = 1024
)

// deliveryTask is one pending webhook delivery bound to a configured target.
type deliveryTask struct {
	outboxID  int64
	target    config.WebhookTarget
	payload   []byte
	sequence  int64
	attempt   int
	notBefore time.Time
}

type queuedTask struct {
	task       deliveryTask
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the delivery queue.
type QueueOption func(*deliveryQueueConfig)

type deliveryQueueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// WithQueueCapacity sets the maximum number of pending deliveries.
func WithQueueCapacity(capacity int) QueueOption {
	return func(cfg *deliveryQueueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued deliveries remain eligible.
func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(cfg *deliveryQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) QueueOption {
	return func(cfg *deliveryQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// DeliveryQueue is a bounded in-memory queue feeding the dispatcher. The
// oldest delivery is overwritten on overflow; the durable outbox row keeps the
// drop recoverable across restarts.
type DeliveryQueue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewDeliveryQueue constructs a bounded queue with optional customisation.
func NewDeliveryQueue(opts ...QueueOption) *DeliveryQueue {
	cfg := deliveryQueueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &DeliveryQueue{
		tasks:   newRing[queuedTask](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

func (q *DeliveryQueue) enqueue(task deliveryTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if q.tasks.push(queuedTask{task: task, enqueuedAt: now}) {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of queued deliveries.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// dequeue waits for the next eligible delivery. Returns false when the
// context is cancelled.
func (q *DeliveryQueue) dequeue(ctx context.Context) (deliveryTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return deliveryTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.notBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return deliveryTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}

		return queued.task, true
	}
}

func (q *DeliveryQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok {
			break
		}
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether an element was overwritten.
func (r *ring[T]) push(v T) bool {
	if len(r.buf) == 0 {
		return true
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	return false
}

func (r *ring[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) capacity() int {
	return len(r.buf)
}

var (
	metricsOnce   sync.Once
	sharedMetrics *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("stakepact/escrowd")
		counter, err := meter.Int64Counter("stakepact.escrow.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("stakepact/escrowd")
			counter, _ = fallback.Int64Counter("stakepact.escrow.webhooks.dropped")
		}
		sharedMetrics = &queueMetrics{dropped: counter}
	})
	return sharedMetrics
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Targets     []config.WebhookTarget
	Sidecar     *Sidecar
	Queue       *DeliveryQueue
	Pauses      escrow.Pauses
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Dispatcher delivers journaled events to the configured webhook targets with
// signed payloads and exponential retry. Every delivery is backed by a durable
// outbox row so undelivered work survives restarts.
type Dispatcher struct {
	targets     []config.WebhookTarget
	sidecar     *Sidecar
	queue       *DeliveryQueue
	pauses      escrow.Pauses
	maxAttempts int
	client      *http.Client
	logger      *slog.Logger
	nowFn       func() time.Time
}

// NewDispatcher constructs a dispatcher over the given targets.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	queue := cfg.Queue
	if queue == nil {
		queue = NewDeliveryQueue()
	}
	return &Dispatcher{
		targets:     cfg.Targets,
		sidecar:     cfg.Sidecar,
		queue:       queue,
		pauses:      cfg.Pauses,
		maxAttempts: maxAttempts,
		client:      &http.Client{Timeout: webhookRequestTimeout},
		logger:      logger,
		nowFn:       nowFn,
	}
}

// OnEvent fans a journaled event out to every interested target. Installed as
// a journal sink.
func (d *Dispatcher) OnEvent(evt StoredEvent) {
	if len(d.targets) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":       evt.Type,
		"sequence":   evt.Sequence,
		"escrowId":   evt.EscrowID,
		"attributes": evt.Attributes,
		"timestamp":  evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		d.logger.Error("webhook payload encoding failed", "sequence", evt.Sequence, "error", err)
		return
	}
	now := d.nowFn()
	for _, target := range d.targets {
		if !targetWants(target, evt.Type) {
			continue
		}
		id, err := d.sidecar.EnqueueWebhook(context.Background(), WebhookTask{
			EventSequence: evt.Sequence,
			URL:           target.URL,
			Payload:       payload,
			Status:        WebhookPending,
			CreatedAt:     now,
		})
		if err != nil {
			d.logger.Error("webhook outbox enqueue failed", "url", target.URL, "sequence", evt.Sequence, "error", err)
			continue
		}
		d.queue.enqueue(deliveryTask{
			outboxID: id,
			target:   target,
			payload:  payload,
			sequence: evt.Sequence,
		})
	}
	metrics.Escrow().SetWebhookQueueDepth(d.queue.Len())
}

// Resume reloads undelivered outbox rows into the queue. Rows whose target is
// no longer configured are marked failed.
func (d *Dispatcher) Resume(ctx context.Context) error {
	rows, err := d.sidecar.PendingWebhooks(ctx, pendingWebhookReloadMax)
	if err != nil {
		return err
	}
	for _, row := range rows {
		target, ok := d.targetFor(row.URL)
		if !ok {
			_ = d.sidecar.MarkWebhook(ctx, row.ID, WebhookFailed, row.Attempts, time.Time{})
			d.logger.Warn("dropping outbox row for unconfigured target", "url", row.URL, "sequence", row.EventSequence)
			continue
		}
		d.queue.enqueue(deliveryTask{
			outboxID:  row.ID,
			target:    target,
			payload:   row.Payload,
			sequence:  row.EventSequence,
			attempt:   row.Attempts,
			notBefore: row.NotBefore,
		})
	}
	return nil
}

// Run processes deliveries until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.dequeue(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, task)
		metrics.Escrow().SetWebhookQueueDepth(d.queue.Len())
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task deliveryTask) {
	if d.pauses != nil && d.pauses.IsPaused(escrow.PauseWebhooks) {
		task.notBefore = d.nowFn().Add(pausedRedeliveryDelay)
		d.queue.enqueue(task)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.target.URL, bytes.NewReader(task.payload))
	if err != nil {
		d.abandon(ctx, task, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(task.target.Secret, task.payload))

	resp, err := d.client.Do(req)
	if err != nil {
		d.retryLater(ctx, task, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(ctx, task, resp.StatusCode, resp.Status)
		return
	}
	d.recordAttempt(ctx, task, resp.StatusCode, "")
	if err := d.sidecar.MarkWebhook(ctx, task.outboxID, WebhookDelivered, task.attempt+1, time.Time{}); err != nil {
		d.logger.Error("webhook outbox update failed", "id", task.outboxID, "error", err)
	}
}

func (d *Dispatcher) retryLater(ctx context.Context, task deliveryTask, code int, errMsg string) {
	now := d.nowFn()
	attemptNum := task.attempt + 1
	d.recordAttempt(ctx, task, code, errMsg)
	metrics.Escrow().RecordWebhookFailure(task.target.URL)
	if attemptNum >= d.maxAttempts {
		d.abandon(ctx, task, errMsg)
		return
	}
	next := now.Add(backoffDuration(attemptNum))
	if err := d.sidecar.MarkWebhook(ctx, task.outboxID, WebhookPending, attemptNum, next); err != nil {
		d.logger.Error("webhook outbox update failed", "id", task.outboxID, "error", err)
	}
	task.attempt++
	task.notBefore = next
	d.queue.enqueue(task)
}

func (d *Dispatcher) abandon(ctx context.Context, task deliveryTask, errMsg string) {
	if err := d.sidecar.MarkWebhook(ctx, task.outboxID, WebhookFailed, task.attempt+1, time.Time{}); err != nil {
		d.logger.Error("webhook outbox update failed", "id", task.outboxID, "error", err)
	}
	d.logger.Error("webhook delivery abandoned", "url", task.target.URL, "sequence", task.sequence, "attempts", task.attempt+1, "reason", errMsg)
}

func (d *Dispatcher) recordAttempt(ctx context.Context, task deliveryTask, code int, errMsg string) {
	attempt := WebhookAttempt{
		WebhookID:  task.outboxID,
		Attempt:    task.attempt + 1,
		StatusCode: code,
		Error:      errMsg,
		CreatedAt:  d.nowFn(),
	}
	if err := d.sidecar.InsertWebhookAttempt(ctx, attempt); err != nil {
		d.logger.Error("webhook attempt insert failed", "id", task.outboxID, "error", err)
	}
}

func (d *Dispatcher) targetFor(url string) (config.WebhookTarget, bool) {
	for _, target := range d.targets {
		if target.URL == url {
			return target, true
		}
	}
	return config.WebhookTarget{}, false
}

func targetWants(target config.WebhookTarget, eventType string) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, want := range target.Events {
		if strings.EqualFold(strings.TrimSpace(want), eventType) {
			return true
		}
	}
	return false
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > maxDeliveryBackoff {
		return maxDeliveryBackoff
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
