package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records frames instead of writing them.
type fakeTransport struct {
	mu      sync.Mutex
	name    string
	codec   Codec
	frames  [][]byte
	closed  bool
	reason  string
	sendErr error
	pingErr error
	pings   int
}

func newFake(name string) *fakeTransport {
	return &fakeTransport{name: name, codec: JSON}
}

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = reason
	}
	return nil
}

func (f *fakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) Codec() Codec       { return f.codec }
func (f *fakeTransport) RemoteAddr() string { return f.name }

func (f *fakeTransport) failSends() {
	f.mu.Lock()
	f.sendErr = errors.New("broken pipe")
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool { return !f.Open() }

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// messages decodes every frame received so far.
func (f *fakeTransport) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		raw, err := f.codec.Decode(frame)
		if err != nil {
			panic(err)
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

// countingCodec counts Encode calls.
type countingCodec struct {
	Codec
	mu      sync.Mutex
	encodes int
}

func (c *countingCodec) Encode(v any) ([]byte, error) {
	c.mu.Lock()
	c.encodes++
	c.mu.Unlock()
	return c.Codec.Encode(v)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
