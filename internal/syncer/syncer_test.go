package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"lakupos/internal/client"
	"lakupos/internal/domain"
	"lakupos/internal/queue"
)

type fakeSender struct {
	mu       sync.Mutex
	seen     []string
	failKeys map[string]error
	failOnce map[string]error
}

func (f *fakeSender) Commit(_ context.Context, req domain.CommitRequest) (domain.CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen = append(f.seen, req.IdempotencyKey)
	if err, ok := f.failOnce[req.IdempotencyKey]; ok {
		delete(f.failOnce, req.IdempotencyKey)
		return domain.CommitResponse{}, err
	}
	if err, ok := f.failKeys[req.IdempotencyKey]; ok {
		return domain.CommitResponse{}, err
	}
	return domain.CommitResponse{
		Sale: domain.Sale{IdempotencyKey: req.IdempotencyKey},
	}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seen))
	copy(out, f.seen)
	return out
}

type fakeConn struct {
	mu     sync.Mutex
	online bool
}

func (c *fakeConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) ReportFailure() {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
}

func (c *fakeConn) set(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q *queue.Queue, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_, _, err := q.Enqueue(domain.CommitRequest{
			IdempotencyKey: key,
			Lines:          []domain.SaleLine{{SKU: "SKU-MIE-01", Qty: 1}},
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}
}

func TestDrainCommitsInOrderAndEmptiesQueue(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 2, time.Second, 3)

	var keys []string
	for i := 1; i <= 5; i++ {
		keys = append(keys, "key-"+strconv.Itoa(i))
	}
	enqueue(t, q, keys...)

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Committed != 5 {
		t.Fatalf("expected 5 committed, got %+v", result)
	}

	sent := sender.sent()
	for i, key := range keys {
		if sent[i] != key {
			t.Fatalf("out of order at %d: %s", i, sent[i])
		}
	}

	counts, err := q.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending+counts.InFlight+counts.Failed != 0 {
		t.Fatalf("expected empty queue, got %+v", counts)
	}
}

func TestDrainStopsOnTransientFailureAndPreservesOrder(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{
		failOnce: map[string]error{
			"key-2": fmt.Errorf("%w: connection refused", client.ErrUnreachable),
		},
	}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 10, time.Second, 3)

	enqueue(t, q, "key-1", "key-2", "key-3")

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Committed != 1 || result.Requeued != 2 {
		t.Fatalf("expected 1 committed 2 requeued, got %+v", result)
	}
	if conn.Online() {
		t.Fatalf("unreachable server must flip connectivity offline")
	}

	// Back online: the failed entry goes first, nothing was skipped.
	conn.set(true)
	result, err = s.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if result.Committed != 2 {
		t.Fatalf("expected 2 committed on retry, got %+v", result)
	}

	sent := sender.sent()
	want := []string{"key-1", "key-2", "key-2", "key-3"}
	if len(sent) != len(want) {
		t.Fatalf("expected %d sends, got %v", len(want), sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Fatalf("send order mismatch at %d: %v", i, sent)
		}
	}
}

func TestDrainDeadLettersRejectedEntries(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{
		failKeys: map[string]error{
			"key-bad": fmt.Errorf("%w: status 400: unknown sku", client.ErrRejected),
		},
	}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 10, time.Second, 3)

	enqueue(t, q, "key-ok-1", "key-bad", "key-ok-2")

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Committed != 2 || result.DeadLettered != 1 {
		t.Fatalf("expected 2 committed 1 dead, got %+v", result)
	}

	failed, err := q.ListFailed()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Key != "key-bad" {
		t.Fatalf("expected key-bad dead-lettered, got %v", failed)
	}
}

func TestDrainDeadLettersAfterRetryBudget(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{
		failKeys: map[string]error{
			"key-flaky": fmt.Errorf("%w: timeout", client.ErrTransient),
		},
	}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 10, time.Second, 3)

	enqueue(t, q, "key-flaky")

	for attempt := 1; attempt <= 3; attempt++ {
		conn.set(true)
		result, err := s.Drain(context.Background())
		if err != nil {
			t.Fatalf("drain %d: %v", attempt, err)
		}
		if attempt < 3 && result.Requeued != 1 {
			t.Fatalf("attempt %d: expected requeue, got %+v", attempt, result)
		}
		if attempt == 3 && result.DeadLettered != 1 {
			t.Fatalf("attempt %d: expected dead-letter, got %+v", attempt, result)
		}
	}

	counts, err := q.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 1 || counts.Pending != 0 {
		t.Fatalf("expected 1 failed entry, got %+v", counts)
	}
}

func TestServerErrorsKeepConnectivityOnline(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{
		failOnce: map[string]error{
			"key-1": fmt.Errorf("%w: server status 503", client.ErrTransient),
		},
	}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 10, time.Second, 3)

	enqueue(t, q, "key-1", "key-2")

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Requeued != 2 || result.Committed != 0 {
		t.Fatalf("expected both entries requeued, got %+v", result)
	}
	if !conn.Online() {
		t.Fatalf("a 5xx from a reachable server must not flip connectivity offline")
	}

	// The requeued entries replay in order on the next pass.
	result, err = s.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if result.Committed != 2 {
		t.Fatalf("expected 2 committed on retry, got %+v", result)
	}
}

func TestDrainContinuesPastBudgetDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{
		failKeys: map[string]error{
			"key-poison": fmt.Errorf("%w: server status 500", client.ErrTransient),
		},
	}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 10, time.Second, 1)

	enqueue(t, q, "key-poison", "key-after")

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.DeadLettered != 1 || result.Committed != 1 {
		t.Fatalf("expected dead-letter then commit, got %+v", result)
	}
	if !conn.Online() {
		t.Fatalf("connectivity must stay online")
	}

	sent := sender.sent()
	want := []string{"key-poison", "key-after"}
	if len(sent) != len(want) || sent[0] != want[0] || sent[1] != want[1] {
		t.Fatalf("expected the drain to move on after the dead-letter, sent %v", sent)
	}

	failed, err := q.ListFailed()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Key != "key-poison" {
		t.Fatalf("expected key-poison dead-lettered, got %v", failed)
	}
}

func TestDrainDoesNothingOffline(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{}
	conn := &fakeConn{online: false}
	s := New(q, sender, conn, 10, time.Second, 3)

	enqueue(t, q, "key-wait")

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Committed+result.Requeued+result.DeadLettered != 0 {
		t.Fatalf("offline drain must be a no-op, got %+v", result)
	}
	if len(sender.sent()) != 0 {
		t.Fatalf("nothing should be sent while offline")
	}
}

func TestDuplicateResponsesCountSeparately(t *testing.T) {
	q := newTestQueue(t)
	sender := &duplicateSender{}
	conn := &fakeConn{online: true}
	s := New(q, sender, conn, 10, time.Second, 3)

	enqueue(t, q, "key-dup")

	result, err := s.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Duplicates != 1 || result.Committed != 0 {
		t.Fatalf("expected 1 duplicate, got %+v", result)
	}
}

type duplicateSender struct{}

func (duplicateSender) Commit(_ context.Context, req domain.CommitRequest) (domain.CommitResponse, error) {
	return domain.CommitResponse{
		Sale:      domain.Sale{IdempotencyKey: req.IdempotencyKey},
		Duplicate: true,
	}, nil
}
