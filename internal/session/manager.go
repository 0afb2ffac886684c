package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ploston/runner/internal/protocol"
)

var (
	// ErrAuthRejected means the control plane refused the handshake.
	// Terminal; the manager never retries after a rejection.
	ErrAuthRejected = errors.New("session: authentication rejected")

	ErrDialerNil    = errors.New("session: dialer is nil")
	ErrIdentityBare = errors.New("session: runner name and token required")
)

// Identity is what the runner presents during the handshake.
type Identity struct {
	RunnerName   string
	Token        string
	Capabilities []string
}

// Dialer opens one transport connection to the control plane.
type Dialer func(ctx context.Context) (net.Conn, error)

// Manager owns the control-plane session: connect, authenticate,
// heartbeat, reconnect with backoff, and replay of unacknowledged
// envelopes. Outbound traffic goes through Send; inbound commands
// arrive on Receive.
type Manager struct {
	cfg    Config
	id     Identity
	dial   Dialer
	logger zerolog.Logger
	rng    *rand.Rand
	limits protocol.Limits

	outbox  *Outbox
	seq     atomic.Uint64
	inbound chan protocol.Envelope

	onAuthenticated   func(sessionID string)
	onAck             func(seq uint64)
	onDisconnectOver  func()
	budgetNotified    bool
	disconnectedSince time.Time

	mu     sync.Mutex
	status Status
}

func NewManager(cfg Config, id Identity, dial Dialer, logger zerolog.Logger) (*Manager, error) {
	if dial == nil {
		return nil, ErrDialerNil
	}
	if id.RunnerName == "" || id.Token == "" {
		return nil, ErrIdentityBare
	}
	return &Manager{
		cfg:     cfg.WithDefaults(),
		id:      id,
		dial:    dial,
		logger:  logger.With().Str("component", "session").Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		limits:  protocol.DefaultLimits(),
		outbox:  NewOutbox(),
		inbound: make(chan protocol.Envelope, 16),
	}, nil
}

// OnAuthenticated registers a callback fired after every successful
// handshake. Set before Run.
func (m *Manager) OnAuthenticated(fn func(sessionID string)) { m.onAuthenticated = fn }

// OnAck registers a callback fired for every cumulative ack received.
// Set before Run.
func (m *Manager) OnAck(fn func(seq uint64)) { m.onAck = fn }

// OnDisconnectExpired registers a callback fired once when the runner
// has been out of the Authenticated state longer than MaxDisconnect.
// Set before Run.
func (m *Manager) OnDisconnectExpired(fn func()) { m.onDisconnectOver = fn }

// Receive delivers server commands (RunWorkflow, Cancel) in arrival
// order.
func (m *Manager) Receive() <-chan protocol.Envelope { return m.inbound }

// Send assigns the next sequence number to msg and queues it for
// delivery. The envelope stays in the replay outbox until the control
// plane acknowledges its sequence.
func (m *Manager) Send(msg protocol.Message) (uint64, error) {
	seq := m.seq.Add(1)
	frame, err := protocol.EncodeEnvelope(seq, msg)
	if err != nil {
		return 0, err
	}
	m.outbox.Append(PendingEnvelope{
		Sequence: seq,
		Type:     msg.Type(),
		Frame:    frame,
		QueuedAt: time.Now(),
	})
	return seq, nil
}

// Status returns a point-in-time session snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.PendingEnvelopes = m.outbox.Len()
	return s
}

// Run drives the session until ctx is cancelled or the control plane
// rejects authentication.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	m.markDisconnected()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		m.setState(StateConnecting, attempt)

		stable, err := m.connectAndServe(ctx)
		if errors.Is(err, ErrAuthRejected) {
			m.logger.Error().Err(err).Msg("authentication rejected, giving up")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stable {
			attempt = 0
		}
		m.setState(StateDegraded, attempt)
		m.checkDisconnectBudget()

		delay := m.cfg.Backoff.Delay(attempt, m.rng)
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("session lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndServe runs one connection lifecycle. stable reports
// whether the session stayed authenticated for at least StableAfter.
func (m *Manager) connectAndServe(ctx context.Context) (stable bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.dial(dialCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial control plane: %w", err)
	}
	defer conn.Close()

	sessionID, err := m.handshake(conn)
	if err != nil {
		return false, err
	}

	authenticatedAt := time.Now()
	m.markAuthenticated(sessionID)
	m.logger.Info().Str("session_id", sessionID).Msg("authenticated")

	// Retransmit everything unacknowledged before any new traffic.
	m.outbox.ResetCursor()
	if m.onAuthenticated != nil {
		m.onAuthenticated(sessionID)
	}

	err = m.serve(ctx, conn)
	return time.Since(authenticatedAt) >= m.cfg.StableAfter, err
}

// handshake sends Auth at sequence zero and waits for the verdict.
func (m *Manager) handshake(conn net.Conn) (string, error) {
	auth := protocol.Auth{
		Token:        m.id.Token,
		RunnerName:   m.id.RunnerName,
		Capabilities: m.id.Capabilities,
	}
	frame, err := protocol.EncodeEnvelope(0, auth)
	if err != nil {
		return "", fmt.Errorf("encode auth: %w", err)
	}
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	if _, err := conn.Write(frame); err != nil {
		return "", fmt.Errorf("write auth: %w", err)
	}
	env, err := protocol.ReadEnvelope(conn, m.limits)
	if err != nil {
		return "", fmt.Errorf("read handshake verdict: %w", err)
	}
	switch msg := env.Payload.(type) {
	case protocol.AuthAccept:
		return msg.SessionID, nil
	case protocol.AuthReject:
		return "", fmt.Errorf("%w: code %d: %s", ErrAuthRejected, msg.Code, msg.Message)
	default:
		return "", fmt.Errorf("unexpected handshake message %s", env.Payload.Type())
	}
}

func (m *Manager) serve(ctx context.Context, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, conn) })
	g.Go(func() error { return m.writeLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			m.sendDisconnect(conn)
		}
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (m *Manager) readLoop(ctx context.Context, conn net.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout())); err != nil {
			return err
		}
		env, err := protocol.ReadEnvelope(conn, m.limits)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read envelope: %w", err)
		}
		switch msg := env.Payload.(type) {
		case protocol.Ack:
			m.outbox.AckThrough(msg.Sequence)
			m.noteAck(msg.Sequence)
			if m.onAck != nil {
				m.onAck(msg.Sequence)
			}
		case protocol.Heartbeat:
			// Server liveness; the read deadline was just refreshed.
		case protocol.Disconnect:
			return fmt.Errorf("server disconnect: %s", msg.Reason)
		default:
			select {
			case m.inbound <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if item, ok := m.outbox.Next(); ok {
			if err := m.writeFrame(conn, item.Frame); err != nil {
				return fmt.Errorf("write envelope %d: %w", item.Sequence, err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.outbox.Wait():
		case <-ticker.C:
			if err := m.writeHeartbeat(conn); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}

// writeHeartbeat writes a sequenced frame directly; heartbeats are not
// replayed, so they never enter the outbox.
func (m *Manager) writeHeartbeat(conn net.Conn) error {
	hb := protocol.Heartbeat{TimestampMS: uint64(time.Now().UnixMilli())}
	frame, err := protocol.EncodeEnvelope(m.seq.Add(1), hb)
	if err != nil {
		return err
	}
	return m.writeFrame(conn, frame)
}

func (m *Manager) sendDisconnect(conn net.Conn) {
	frame, err := protocol.EncodeEnvelope(m.seq.Add(1), protocol.Disconnect{Reason: "shutdown"})
	if err != nil {
		return
	}
	_ = m.writeFrame(conn, frame)
}

func (m *Manager) writeFrame(conn net.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func (m *Manager) setState(state ConnState, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = state
	m.status.ReconnectAttempts = attempts
}

func (m *Manager) markAuthenticated(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = StateAuthenticated
	m.status.SessionID = sessionID
	m.status.DisconnectedSince = time.Time{}
	m.disconnectedSince = time.Time{}
	m.budgetNotified = false
}

func (m *Manager) markDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = StateDisconnected
	now := time.Now()
	m.status.DisconnectedSince = now
	m.disconnectedSince = now
}

func (m *Manager) noteAck(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.status.LastSequenceAcked {
		m.status.LastSequenceAcked = seq
	}
}

func (m *Manager) checkDisconnectBudget() {
	m.mu.Lock()
	if m.disconnectedSince.IsZero() {
		now := time.Now()
		m.disconnectedSince = now
		m.status.DisconnectedSince = now
	}
	expired := !m.budgetNotified && time.Since(m.disconnectedSince) > m.cfg.MaxDisconnect
	if expired {
		m.budgetNotified = true
	}
	fn := m.onDisconnectOver
	m.mu.Unlock()
	if expired && fn != nil {
		fn()
	}
}
