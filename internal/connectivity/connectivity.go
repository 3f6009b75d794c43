// Package connectivity tracks whether the central server is reachable.
// Going offline is immediate; going online is debounced so a single lucky
// probe during a flapping link does not start a sync that dies halfway.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

type Prober interface {
	Health(ctx context.Context) error
}

type Monitor struct {
	prober   Prober
	interval time.Duration

	mu        sync.Mutex
	online    bool
	candidate bool
	listeners []func(online bool)
}

func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{prober: prober, interval: interval}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition callback. Callbacks run on the monitor
// goroutine and must not block.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ReportFailure lets callers that hit a network error mid-request flip the
// monitor offline without waiting for the next poll.
func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	wasOnline := m.online
	m.online = false
	m.candidate = false
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if wasOnline {
		log.Printf("[connectivity] reported failure, going offline")
		for _, fn := range listeners {
			fn(false)
		}
	}
}

// Run polls until the context is cancelled. The first probe happens
// immediately so startup does not wait a full interval.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.prober.Health(probeCtx)
	cancel()

	m.mu.Lock()
	var flipped bool
	var nowOnline bool
	switch {
	case err != nil:
		flipped = m.online
		m.online = false
		m.candidate = false
		nowOnline = false
	case m.online:
		// Already online, nothing to do.
	case m.candidate:
		// Second consecutive good probe; the link held for a full interval.
		m.online = true
		m.candidate = false
		flipped = true
		nowOnline = true
	default:
		m.candidate = true
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if flipped {
		if nowOnline {
			log.Printf("[connectivity] server reachable, going online")
		} else {
			log.Printf("[connectivity] health probe failed, going offline: %v", err)
		}
		for _, fn := range listeners {
			fn(nowOnline)
		}
	}
}

func (m *Monitor) snapshotListenersLocked() []func(bool) {
	out := make([]func(bool), len(m.listeners))
	copy(out, m.listeners)
	return out
}
