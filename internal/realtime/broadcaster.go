package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BroadcastConfig tunes fan-out.
type BroadcastConfig struct {
	// BatchSize is the number of connections written before yielding.
	BatchSize int

	// BatchDelay is the pause between batches.
	BatchDelay time.Duration

	// SendTimeout bounds one write to one connection.
	SendTimeout time.Duration

	// AsyncTimeout bounds a whole BroadcastAsync fan-out.
	AsyncTimeout time.Duration
}

// DefaultBroadcastConfig returns batches of 50 with a 10ms yield.
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		BatchSize:    50,
		BatchDelay:   10 * time.Millisecond,
		SendTimeout:  5 * time.Second,
		AsyncTimeout: 30 * time.Second,
	}
}

// Result counts the outcome of one fan-out.
type Result struct {
	Delivered int
	Failed    int
}

// Broadcaster fans messages out to registry members. A connection whose
// send fails is removed and closed; delivery to the rest continues.
type Broadcaster struct {
	reg    *Registry
	cfg    BroadcastConfig
	logger zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewBroadcaster creates a broadcaster over reg.
func NewBroadcaster(reg *Registry, cfg BroadcastConfig, logger zerolog.Logger) *Broadcaster {
	def := DefaultBroadcastConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = def.AsyncTimeout
	}
	return &Broadcaster{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With().Str("component", "broadcaster").Logger(),
		now:    time.Now,
	}
}

// Broadcast delivers msg to every open connection not bound to
// excludeDeviceID. An empty excludeDeviceID excludes nothing.
func (b *Broadcaster) Broadcast(ctx context.Context, msg Message, excludeDeviceID string) Result {
	return b.fanOut(ctx, msg, func(p Peer) bool {
		return excludeDeviceID == "" || p.DeviceID != excludeDeviceID
	})
}

// SendToDevice delivers msg to every connection bound to deviceID and
// reports whether at least one write succeeded.
func (b *Broadcaster) SendToDevice(ctx context.Context, deviceID string, msg Message) bool {
	if deviceID == "" {
		return false
	}
	res := b.fanOut(ctx, msg, func(p Peer) bool {
		return p.DeviceID == deviceID
	})
	return res.Delivered > 0
}

// BroadcastAsync runs Broadcast in the background. The caller does not wait
// for delivery; the outcome is logged.
func (b *Broadcaster) BroadcastAsync(msg Message, excludeDeviceID string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AsyncTimeout)
		defer cancel()

		res := b.Broadcast(ctx, msg, excludeDeviceID)
		b.logger.Debug().
			Str("type", string(msg.Type)).
			Str("exclude", excludeDeviceID).
			Int("delivered", res.Delivered).
			Int("failed", res.Failed).
			Msg("broadcast complete")
	}()
}

// Wait blocks until every BroadcastAsync started so far has finished.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// Send writes msg to one connection, evicting it on failure.
func (b *Broadcaster) Send(ctx context.Context, t Transport, msg Message) error {
	frame, err := t.Codec().Encode(b.stamp(msg))
	if err != nil {
		return err
	}
	return b.deliver(ctx, t, frame)
}

func (b *Broadcaster) fanOut(ctx context.Context, msg Message, include func(Peer) bool) Result {
	var res Result
	msg = b.stamp(msg)

	// Encoded at most once per wire format.
	frames := make(map[string][]byte, 2)

	peers := b.reg.Peers()
	for start := 0; start < len(peers); start += b.cfg.BatchSize {
		if start > 0 && !b.yield(ctx) {
			return res
		}

		end := min(start+b.cfg.BatchSize, len(peers))
		for _, p := range peers[start:end] {
			if !include(p) || !p.Transport.Open() {
				continue
			}

			codec := p.Transport.Codec()
			frame, ok := frames[codec.Name()]
			if !ok {
				var err error
				frame, err = codec.Encode(msg)
				if err != nil {
					b.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
					return res
				}
				frames[codec.Name()] = frame
			}

			if err := b.deliver(ctx, p.Transport, frame); err != nil {
				res.Failed++
				continue
			}
			res.Delivered++
		}
	}
	return res
}

func (b *Broadcaster) deliver(ctx context.Context, t Transport, frame []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	err := t.Send(sendCtx, frame)
	cancel()

	if err != nil {
		b.logger.Debug().Err(err).Str("remote", t.RemoteAddr()).Msg("send failed, evicting connection")
		b.reg.Remove(t)
		_ = t.Close("send failed")
	}
	return err
}

func (b *Broadcaster) yield(ctx context.Context) bool {
	if b.cfg.BatchDelay == 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(b.cfg.BatchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Broadcaster) stamp(msg Message) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
	return msg
}
