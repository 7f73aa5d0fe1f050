// Package realtime serves the websocket channel that pushes committed
// changes and presence to connected devices.
//
// Each connection is served by one goroutine that reads frames in order.
// Shared state lives in the Registry; outbound fan-out goes through the
// Broadcaster.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/mschirtzinger/devsync/internal/ratelimit"
)

// Admitter decides whether one inbound message may be processed.
type Admitter interface {
	Admit(key string) ratelimit.Decision
}

// Config holds server dependencies.
type Config struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Limiter     Admitter

	// Verifier enables device authentication when non-nil.
	Verifier *TokenVerifier

	// OriginPatterns are passed to websocket.Accept. Empty means same
	// origin only.
	OriginPatterns []string

	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64

	Logger zerolog.Logger
}

// Server is the http.Handler for the websocket endpoint.
type Server struct {
	reg       *Registry
	bc        *Broadcaster
	limiter   Admitter
	verifier  *TokenVerifier
	origins   []string
	readLimit int64
	logger    zerolog.Logger
}

// NewServer creates a websocket server and installs the registry hook that
// announces a device's departure when its last connection goes away.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil || cfg.Broadcaster == nil || cfg.Limiter == nil {
		return nil, errors.New("realtime: registry, broadcaster and limiter are required")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}

	s := &Server{
		reg:       cfg.Registry,
		bc:        cfg.Broadcaster,
		limiter:   cfg.Limiter,
		verifier:  cfg.Verifier,
		origins:   cfg.OriginPatterns,
		readLimit: cfg.ReadLimit,
		logger:    cfg.Logger.With().Str("component", "realtime").Logger(),
	}

	s.reg.OnRemove(func(p Peer, remaining int) {
		if p.DeviceID != "" && remaining == 0 {
			s.announceDeparture(p.DeviceID)
		}
	})
	return s, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{SubprotocolJSON, SubprotocolMsgpack},
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.readLimit)

	t := newWSTransport(conn, CodecFor(conn.Subprotocol()), r.RemoteAddr)
	s.reg.Add(t)
	s.logger.Debug().
		Str("remote", t.RemoteAddr()).
		Str("codec", t.Codec().Name()).
		Int("total", s.reg.Len()).
		Msg("client connected")

	s.readLoop(r.Context(), conn, t)
}

// Close disconnects every client.
func (s *Server) Close() {
	n := s.reg.CloseAll("server shutting down")
	s.logger.Info().Int("clients", n).Msg("closed realtime connections")
}

// readLoop handles frames from one connection in arrival order.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, t *wsTransport) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("remote", t.RemoteAddr()).Msg("recovered panic in read loop")
		}
		if s.reg.Remove(t) {
			s.logger.Debug().Str("remote", t.RemoteAddr()).Int("total", s.reg.Len()).Msg("client disconnected")
		}
		_ = t.Close("")
	}()

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.reg.MarkAlive(t)
		s.handleFrame(ctx, t, typ, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, t Transport, typ websocket.MessageType, frame []byte) {
	if d := s.limiter.Admit(s.limitKey(t)); !d.Allowed {
		reset := d.ResetAt.UTC()
		s.reply(ctx, t, Message{Type: TypeRateLimitExceeded, ResetTime: &reset, Violations: d.Violations})
		return
	}

	raw, err := codecForFrame(typ).Decode(frame)
	if err != nil {
		s.replyError(ctx, t, &ProtocolError{Code: CodeInvalidMessage, Reason: err.Error()})
		return
	}

	req, err := ParseRequest(raw)
	if err != nil {
		s.replyError(ctx, t, err)
		return
	}

	switch req := req.(type) {
	case RegisterDevice:
		s.register(ctx, t, req)
	case Ping:
		s.reply(ctx, t, Message{Type: TypePong})
	case GetStats:
		stats := s.reg.Snapshot()
		s.reply(ctx, t, Message{Type: TypeStats, Stats: &stats})
	default:
		s.replyError(ctx, t, &ProtocolError{Code: CodeUnknownType, Reason: fmt.Sprintf("unhandled request %T", req)})
	}
}

func (s *Server) register(ctx context.Context, t Transport, req RegisterDevice) {
	if s.verifier != nil {
		if err := s.verifier.Verify(req.Token, req.DeviceID); err != nil {
			s.logger.Warn().Err(err).Str("device", req.DeviceID).Str("remote", t.RemoteAddr()).Msg("device authentication failed")
			s.replyError(ctx, t, &ProtocolError{Code: CodeUnauthorized, Reason: "invalid device token"})
			return
		}
	}

	previous, ok := s.reg.BindDevice(t, req.DeviceID)
	if !ok {
		return
	}
	if previous != "" && previous != req.DeviceID && s.reg.DeviceConnections(previous) == 0 {
		s.announceDeparture(previous)
	}

	s.logger.Info().Str("device", req.DeviceID).Str("remote", t.RemoteAddr()).Msg("device registered")
	s.reply(ctx, t, Message{Type: TypeRegistered, DeviceID: req.DeviceID})
	s.bc.BroadcastAsync(Message{Type: TypeDeviceConnected, DeviceID: req.DeviceID}, req.DeviceID)
}

func (s *Server) announceDeparture(deviceID string) {
	s.bc.BroadcastAsync(Message{Type: TypeDeviceDisconnected, DeviceID: deviceID}, deviceID)
}

// limitKey identifies the sender: its device once registered, its address
// before that.
func (s *Server) limitKey(t Transport) string {
	if id := s.reg.DeviceOf(t); id != "" {
		return ratelimit.Key(id, ratelimit.CategoryRealtime)
	}
	return ratelimit.Key("addr:"+t.RemoteAddr(), ratelimit.CategoryRealtime)
}

func (s *Server) reply(ctx context.Context, t Transport, msg Message) {
	if err := s.bc.Send(ctx, t, msg); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("reply failed")
	}
}

func (s *Server) replyError(ctx context.Context, t Transport, err error) {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		pe = &ProtocolError{Code: CodeInternal, Reason: "internal error"}
	}
	s.reply(ctx, t, pe.Message())
}
