package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMonitor_ProbeMarksResponsiveAlive(t *testing.T) {
	clock := newTestClock()
	reg := NewRegistry()
	reg.SetClock(clock.Now)
	m := NewMonitor(reg, 0, 0, 0, zerolog.Nop())

	answers, mute := newFake("answers"), newFake("mute")
	mute.pingErr = errors.New("no pong")
	reg.Add(answers)
	reg.Add(mute)

	clock.Advance(DefaultHeartbeatInterval)
	m.Probe(context.Background())
	if !waitFor(t, time.Second, func() bool {
		return answers.pingCount() == 1 && mute.pingCount() == 1
	}) {
		t.Fatal("both connections should have been pinged")
	}

	// Wait for the pong to be recorded before the next round.
	if !waitFor(t, time.Second, func() bool {
		for _, p := range reg.Peers() {
			if p.Transport == Transport(answers) && p.Alive {
				return true
			}
		}
		return false
	}) {
		t.Fatal("responsive connection was never marked alive")
	}

	clock.Advance(DefaultHeartbeatInterval)
	m.Probe(context.Background())

	if !mute.isClosed() {
		t.Error("unresponsive connection was not closed")
	}
	if answers.isClosed() {
		t.Error("responsive connection was closed")
	}
	if n := reg.Len(); n != 1 {
		t.Errorf("Expected 1 connection, got %d", n)
	}
}

func TestMonitor_Reap(t *testing.T) {
	clock := newTestClock()
	reg := NewRegistry()
	reg.SetClock(clock.Now)
	m := NewMonitor(reg, 0, 0, 0, zerolog.Nop())

	f := newFake("idle")
	reg.Add(f)

	clock.Advance(DefaultLivenessTimeout)
	if n := m.Reap(); n != 0 {
		t.Errorf("Reap at the timeout evicted %d, want 0", n)
	}

	clock.Advance(time.Millisecond)
	if n := m.Reap(); n != 1 {
		t.Errorf("Reap past the timeout evicted %d, want 1", n)
	}
	if !f.isClosed() {
		t.Error("reaped transport was not closed")
	}
}

func TestMonitor_RunStops(t *testing.T) {
	m := NewMonitor(NewRegistry(), 5*time.Millisecond, 5*time.Millisecond, 0, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = m.RunHeartbeat(ctx)
		_ = m.RunReaper(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor loops did not stop")
	}
}
