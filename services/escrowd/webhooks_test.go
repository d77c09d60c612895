package escrowd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stakepact/config"
	"stakepact/escrow"
)

func TestDeliveryQueueOverflowDropsOldest(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	queue := NewDeliveryQueue(WithQueueCapacity(2), withQueueClock(func() time.Time { return clock }))

	for seq := int64(1); seq <= 3; seq++ {
		queue.enqueue(deliveryTask{sequence: seq})
	}
	if queue.Len() != 2 {
		t.Fatalf("len = %d, want 2", queue.Len())
	}

	ctx := context.Background()
	first, ok := queue.dequeue(ctx)
	if !ok || first.sequence != 2 {
		t.Fatalf("first = %+v ok=%v, want sequence 2", first, ok)
	}
	second, ok := queue.dequeue(ctx)
	if !ok || second.sequence != 3 {
		t.Fatalf("second = %+v ok=%v, want sequence 3", second, ok)
	}
}

func TestDeliveryQueueTTLEviction(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	queue := NewDeliveryQueue(
		WithQueueCapacity(4),
		WithQueueTTL(time.Minute),
		withQueueClock(func() time.Time { return clock }),
	)

	queue.enqueue(deliveryTask{sequence: 1})
	clock = clock.Add(2 * time.Minute)
	queue.enqueue(deliveryTask{sequence: 2})

	if queue.Len() != 1 {
		t.Fatalf("len = %d, want 1 after eviction", queue.Len())
	}
	task, ok := queue.dequeue(context.Background())
	if !ok || task.sequence != 2 {
		t.Fatalf("task = %+v ok=%v, want sequence 2", task, ok)
	}
}

func TestDeliveryQueueDequeueStopsOnCancel(t *testing.T) {
	queue := NewDeliveryQueue(WithQueueCapacity(2))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, ok := queue.dequeue(ctx)
		if ok {
			t.Error("dequeue returned a task from an empty queue")
		}
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not stop on cancel")
	}
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	sidecar := testSidecar(t)
	type delivery struct {
		signature string
		body      []byte
	}
	deliveries := make(chan delivery, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read webhook body: %v", err)
		}
		deliveries <- delivery{signature: r.Header.Get("X-Webhook-Signature"), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	target := config.WebhookTarget{URL: ts.URL, Secret: "hook-secret"}
	dispatcher := NewDispatcher(DispatcherConfig{
		Targets: []config.WebhookTarget{target},
		Sidecar: sidecar,
		Logger:  discardLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	event := StoredEvent{
		Sequence:   7,
		Type:       escrow.EventTypeEscrowHeld,
		EscrowID:   "esc-1",
		Attributes: map[string]string{"goalId": "goal-1"},
		CreatedAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
	dispatcher.OnEvent(event)

	var got delivery
	select {
	case got = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	cancel()
	<-done

	if got.signature != signPayload("hook-secret", got.body) {
		t.Fatalf("signature = %q", got.signature)
	}
	var payload struct {
		Type       string            `json:"type"`
		Sequence   int64             `json:"sequence"`
		EscrowID   string            `json:"escrowId"`
		Attributes map[string]string `json:"attributes"`
		Timestamp  string            `json:"timestamp"`
	}
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != escrow.EventTypeEscrowHeld || payload.Sequence != 7 || payload.EscrowID != "esc-1" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Attributes["goalId"] != "goal-1" {
		t.Fatalf("attributes = %v", payload.Attributes)
	}
	if _, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", payload.Timestamp, err)
	}

	// Delivery marks the outbox row done.
	pending, err := sidecar.PendingWebhooks(context.Background(), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0", len(pending))
	}
}

func TestDispatcherRetrySchedulesBackoff(t *testing.T) {
	sidecar := testSidecar(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	target := config.WebhookTarget{URL: ts.URL, Secret: "s"}
	queue := NewDeliveryQueue(WithQueueCapacity(8))
	dispatcher := NewDispatcher(DispatcherConfig{
		Targets:     []config.WebhookTarget{target},
		Sidecar:     sidecar,
		Queue:       queue,
		MaxAttempts: 3,
		Logger:      discardLogger(),
		Now:         func() time.Time { return now },
	})

	ctx := context.Background()
	outboxID, err := sidecar.EnqueueWebhook(ctx, WebhookTask{
		EventSequence: 1,
		URL:           target.URL,
		Payload:       []byte(`{"type":"escrow.held"}`),
		Status:        WebhookPending,
		CreatedAt:     now,
	})
	if err != nil {
		t.Fatalf("enqueue outbox: %v", err)
	}

	dispatcher.deliver(ctx, deliveryTask{outboxID: outboxID, target: target, payload: []byte(`{"type":"escrow.held"}`), sequence: 1})

	if queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 retry", queue.Len())
	}
	pending, err := sidecar.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", pending[0].Attempts)
	}
	if !pending[0].NotBefore.Equal(now.Add(time.Second)) {
		t.Fatalf("notBefore = %v, want %v", pending[0].NotBefore, now.Add(time.Second))
	}
}

func TestDispatcherAbandonsAfterMaxAttempts(t *testing.T) {
	sidecar := testSidecar(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	target := config.WebhookTarget{URL: ts.URL}
	queue := NewDeliveryQueue(WithQueueCapacity(8))
	dispatcher := NewDispatcher(DispatcherConfig{
		Targets:     []config.WebhookTarget{target},
		Sidecar:     sidecar,
		Queue:       queue,
		MaxAttempts: 1,
		Logger:      discardLogger(),
	})

	ctx := context.Background()
	outboxID, err := sidecar.EnqueueWebhook(ctx, WebhookTask{
		EventSequence: 1,
		URL:           target.URL,
		Payload:       []byte(`{}`),
		Status:        WebhookPending,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue outbox: %v", err)
	}

	dispatcher.deliver(ctx, deliveryTask{outboxID: outboxID, target: target, payload: []byte(`{}`), sequence: 1})

	if queue.Len() != 0 {
		t.Fatalf("queue len = %d, want 0 after abandon", queue.Len())
	}
	pending, err := sidecar.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0", len(pending))
	}
}

func TestDispatcherPausedDeliveryRequeues(t *testing.T) {
	sidecar := testSidecar(t)
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	target := config.WebhookTarget{URL: ts.URL}
	queue := NewDeliveryQueue(WithQueueCapacity(8))
	dispatcher := NewDispatcher(DispatcherConfig{
		Targets: []config.WebhookTarget{target},
		Sidecar: sidecar,
		Queue:   queue,
		Pauses:  escrow.NewPauseSet(escrow.PauseWebhooks),
		Logger:  discardLogger(),
		Now:     func() time.Time { return now },
	})

	dispatcher.deliver(context.Background(), deliveryTask{outboxID: 1, target: target, payload: []byte(`{}`)})

	if hits.Load() != 0 {
		t.Fatalf("target hit %d times while paused", hits.Load())
	}
	if queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", queue.Len())
	}
	task, ok := queue.dequeue(context.Background())
	if !ok {
		t.Fatal("requeued task missing")
	}
	if !task.notBefore.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("notBefore = %v", task.notBefore)
	}
}

func TestDispatcherOnEventFiltersTargets(t *testing.T) {
	sidecar := testSidecar(t)
	queue := NewDeliveryQueue(WithQueueCapacity(8))
	dispatcher := NewDispatcher(DispatcherConfig{
		Targets: []config.WebhookTarget{
			{URL: "http://one.example/hook", Events: []string{escrow.EventTypeEscrowHeld}},
			{URL: "http://two.example/hook", Events: []string{escrow.EventTypeEscrowReleased}},
			{URL: "http://all.example/hook"},
		},
		Sidecar: sidecar,
		Queue:   queue,
		Logger:  discardLogger(),
	})

	dispatcher.OnEvent(StoredEvent{Sequence: 1, Type: escrow.EventTypeEscrowHeld, CreatedAt: time.Now().UTC()})

	if queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", queue.Len())
	}
	pending, err := sidecar.PendingWebhooks(context.Background(), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	urls := make(map[string]bool, len(pending))
	for _, row := range pending {
		urls[row.URL] = true
	}
	if !urls["http://one.example/hook"] || !urls["http://all.example/hook"] || urls["http://two.example/hook"] {
		t.Fatalf("outbox urls = %v", urls)
	}
}

func TestDispatcherResumeReloadsOutbox(t *testing.T) {
	sidecar := testSidecar(t)
	ctx := context.Background()
	configured := config.WebhookTarget{URL: "http://keep.example/hook"}

	for _, url := range []string{configured.URL, "http://gone.example/hook"} {
		if _, err := sidecar.EnqueueWebhook(ctx, WebhookTask{
			EventSequence: 1,
			URL:           url,
			Payload:       []byte(`{}`),
			Status:        WebhookPending,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			t.Fatalf("enqueue %s: %v", url, err)
		}
	}

	queue := NewDeliveryQueue(WithQueueCapacity(8))
	dispatcher := NewDispatcher(DispatcherConfig{
		Targets: []config.WebhookTarget{configured},
		Sidecar: sidecar,
		Queue:   queue,
		Logger:  discardLogger(),
	})
	if err := dispatcher.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if queue.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", queue.Len())
	}
	pending, err := sidecar.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].URL != configured.URL {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestTargetWants(t *testing.T) {
	all := config.WebhookTarget{}
	if !targetWants(all, escrow.EventTypeEscrowHeld) {
		t.Fatal("empty filter should accept everything")
	}
	scoped := config.WebhookTarget{Events: []string{" Escrow.Held ", escrow.EventTypeDisputeFiled}}
	if !targetWants(scoped, escrow.EventTypeEscrowHeld) {
		t.Fatal("filter should match case-insensitively after trimming")
	}
	if targetWants(scoped, escrow.EventTypeEscrowReleased) {
		t.Fatal("filter accepted an unlisted event")
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{10, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.attempt); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"type":"escrow.held"}`)
	first := signPayload("secret", payload)
	if len(first) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(first))
	}
	if second := signPayload("secret", payload); second != first {
		t.Fatal("signature not deterministic")
	}
	if other := signPayload("different", payload); other == first {
		t.Fatal("signature ignores the secret")
	}
}
