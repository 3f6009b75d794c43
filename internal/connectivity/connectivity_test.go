package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedProber struct {
	mu  sync.Mutex
	err error
}

func (p *scriptedProber) Health(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *scriptedProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestOnlineRequiresTwoConsecutiveGoodProbes(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Second)

	m.probe(context.Background())
	if m.Online() {
		t.Fatalf("one good probe must not flip online")
	}
	m.probe(context.Background())
	if !m.Online() {
		t.Fatalf("expected online after two consecutive good probes")
	}
}

func TestOfflineIsImmediate(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Second)
	m.probe(context.Background())
	m.probe(context.Background())
	if !m.Online() {
		t.Fatalf("setup: expected online")
	}

	prober.set(errors.New("connection refused"))
	m.probe(context.Background())
	if m.Online() {
		t.Fatalf("one failed probe must flip offline")
	}
}

func TestFailureResetsDebounce(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Second)

	m.probe(context.Background())
	prober.set(errors.New("timeout"))
	m.probe(context.Background())
	prober.set(nil)
	m.probe(context.Background())
	if m.Online() {
		t.Fatalf("a failure between good probes must restart the debounce")
	}
	m.probe(context.Background())
	if !m.Online() {
		t.Fatalf("expected online after link held for a full interval")
	}
}

func TestSubscribersSeeTransitions(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Second)

	var mu sync.Mutex
	var events []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	m.probe(context.Background())
	m.probe(context.Background())
	prober.set(errors.New("down"))
	m.probe(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Fatalf("expected [online offline] transitions, got %v", events)
	}
}

func TestReportFailureFlipsOffline(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Second)
	m.probe(context.Background())
	m.probe(context.Background())

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.ReportFailure()
	if m.Online() {
		t.Fatalf("expected offline after reported failure")
	}
	if len(got) != 1 || got[0] != false {
		t.Fatalf("expected offline notification, got %v", got)
	}

	// Duplicate reports while already offline stay silent.
	m.ReportFailure()
	if len(got) != 1 {
		t.Fatalf("duplicate report must not notify again")
	}
}
