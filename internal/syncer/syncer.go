// Package syncer drains the terminal queue against the central server.
// Entries replay strictly in enqueue order, one batch at a time; a drain
// stops as soon as the link drops and resumes where it left off.
package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"lakupos/internal/client"
	"lakupos/internal/domain"
	"lakupos/internal/queue"
)

// drainRetryDelay spaces out drains when the server answered but could not
// take the batch, so requeued entries are not hammered in a tight loop.
const drainRetryDelay = 15 * time.Second

type Sender interface {
	Commit(ctx context.Context, req domain.CommitRequest) (domain.CommitResponse, error)
}

type Connectivity interface {
	Online() bool
	ReportFailure()
}

type Result struct {
	Committed    int
	Duplicates   int
	Requeued     int
	DeadLettered int
}

type Syncer struct {
	queue       *queue.Queue
	sender      Sender
	conn        Connectivity
	batchSize   int
	callTimeout time.Duration
	retryBudget int

	mu   sync.Mutex
	kick chan struct{}
}

func New(q *queue.Queue, sender Sender, conn Connectivity, batchSize int, callTimeout time.Duration, retryBudget int) *Syncer {
	if batchSize < 1 {
		batchSize = 10
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	if retryBudget < 1 {
		retryBudget = 3
	}
	return &Syncer{
		queue:       q,
		sender:      sender,
		conn:        conn,
		batchSize:   batchSize,
		callTimeout: callTimeout,
		retryBudget: retryBudget,
		kick:        make(chan struct{}, 1),
	}
}

// Kick schedules a drain. Safe to call from any goroutine; extra kicks while
// a drain is pending collapse into one.
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run processes drain requests until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			result, err := s.Drain(ctx)
			if err != nil {
				log.Printf("[syncer] drain aborted: %v", err)
				continue
			}
			if result.Committed+result.Duplicates+result.Requeued+result.DeadLettered > 0 {
				log.Printf("[syncer] drain done committed=%d duplicates=%d requeued=%d dead=%d",
					result.Committed, result.Duplicates, result.Requeued, result.DeadLettered)
			}
			// Requeued entries from a still-online server (a 5xx burst, rate
			// limiting) get another pass after a pause. When the link itself
			// dropped, the connectivity monitor kicks again on reconnect.
			if result.Requeued > 0 && s.conn.Online() {
				time.AfterFunc(drainRetryDelay, s.Kick)
			}
		}
	}
}

// Drain replays pending entries until the queue is empty, the link drops or
// the context is cancelled. Only one drain runs at a time.
func (s *Syncer) Drain(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result Result
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !s.conn.Online() {
			return result, nil
		}

		batch, err := s.queue.DequeueBatch(s.batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			return result, nil
		}

		for i, item := range batch {
			if ctx.Err() != nil || !s.conn.Online() {
				s.requeueRemaining(batch[i:], &result)
				return result, ctx.Err()
			}

			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			resp, err := s.sender.Commit(callCtx, item.Payload)
			cancel()

			switch {
			case err == nil:
				if markErr := s.queue.MarkCommitted(item.Seq); markErr != nil {
					log.Printf("[syncer] WARN: failed to remove committed entry seq=%d: %v", item.Seq, markErr)
				}
				if resp.Duplicate {
					result.Duplicates++
				} else {
					result.Committed++
				}
			case errors.Is(err, client.ErrTransient):
				// Only a dead link flips the connectivity state. A 5xx from
				// a reachable server is the server's problem, not the link's.
				if errors.Is(err, client.ErrUnreachable) {
					s.conn.ReportFailure()
				}
				if item.Attempts+1 >= s.retryBudget {
					if _, failErr := s.queue.MarkFailed(item.Seq, err.Error()); failErr != nil {
						log.Printf("[syncer] WARN: failed to dead-letter seq=%d: %v", item.Seq, failErr)
					}
					result.DeadLettered++
					log.Printf("[syncer] dead-lettered seq=%d key=%s after %d attempts: %v", item.Seq, item.Key, item.Attempts+1, err)
					continue
				}
				if _, reqErr := s.queue.Requeue(item.Seq, err.Error()); reqErr != nil {
					log.Printf("[syncer] WARN: failed to requeue seq=%d: %v", item.Seq, reqErr)
				}
				result.Requeued++
				s.requeueRemaining(batch[i+1:], &result)
				return result, nil
			default:
				// Rejected for good; retrying would just repeat the answer.
				if _, failErr := s.queue.MarkFailed(item.Seq, err.Error()); failErr != nil {
					log.Printf("[syncer] WARN: failed to dead-letter seq=%d: %v", item.Seq, failErr)
				}
				result.DeadLettered++
				log.Printf("[syncer] dead-lettered seq=%d key=%s: %v", item.Seq, item.Key, err)
			}
		}
	}
}

func (s *Syncer) requeueRemaining(items []domain.QueuedTransaction, result *Result) {
	for _, item := range items {
		if _, err := s.queue.Release(item.Seq); err != nil {
			log.Printf("[syncer] WARN: failed to release seq=%d: %v", item.Seq, err)
			continue
		}
		result.Requeued++
	}
}
