// Package signaling implements the room role-election and handshake state
// machine that sits between the rendezvous client and a transport session
// (spec.md §4.3).
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"keyroom/internal/peerid"
	"keyroom/internal/rendezvous"
)

// State is a node in the signaling state machine.
type State string

const (
	StateIdle          State = "idle"
	StatePreparing     State = "preparing"
	StateReady         State = "ready"
	StateConnected     State = "connected"
	StateSecurityError State = "security-error"
	StateMediaError    State = "media-error"
	StateRoomFull      State = "room-full"
)

func (s State) terminal() bool {
	switch s {
	case StateSecurityError, StateMediaError, StateRoomFull:
		return true
	}
	return false
}

// Role is which side of the handshake this peer plays.
type Role string

const (
	RoleNone      Role = "none"
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

const (
	gatherTimeout            = 4 * time.Second
	sessionExpiryHorizon     = 8 * time.Second
	roomFullHorizon          = 12 * time.Second
	heartbeatInterval        = 5 * time.Second
	renegotiationInterval    = 5 * time.Second
	defaultReconnectDelay    = 1 * time.Second
	visibilityReconnectDelay = 500 * time.Millisecond
	raceReconnectDelay       = 300 * time.Millisecond
	maxElectionAttempts      = 3
	maxHeartbeatFailures     = 3
)

var errRestartElection = errors.New("signaling: restart role election")

// PeerConnection is the subset of a transport session the state machine
// drives. Concrete transports (see internal/transport) implement it.
type PeerConnection interface {
	// CreateOffer starts local description generation and ICE gathering,
	// then blocks until gathering completes or gatherTimeout elapses,
	// returning the base64-encoded local offer.
	CreateOffer(ctx context.Context, gatherTimeout time.Duration) (string, error)
	// CreateAnswer applies offerB64 as the remote description and produces
	// a local answer, blocking the same way CreateOffer does.
	CreateAnswer(ctx context.Context, offerB64 string, gatherTimeout time.Duration) (string, error)
	// SetRemoteAnswer applies answerB64 as the remote description.
	SetRemoteAnswer(ctx context.Context, answerB64 string) error
	// Renegotiate triggers a fresh offer/answer cycle over the data
	// channel's existing connection. Only called on the initiator.
	Renegotiate(ctx context.Context) error
	Close() error
}

// PeerConnectionFactory builds a fresh PeerConnection for one handshake
// attempt. Called once per role-election cycle, after the role for this
// attempt has been decided; isInitiator tells the concrete transport
// whether to create the data channel or wait to receive it (spec.md
// §4.4).
type PeerConnectionFactory func(ctx context.Context, isInitiator bool) (PeerConnection, error)

// Machine runs the role-election and handshake procedure for one room.
type Machine struct {
	client      *rendezvous.Client
	room        string
	fingerprint string
	self        peerid.ID
	newPC       PeerConnectionFactory
	logger      *slog.Logger

	limiter *rate.Limiter

	mu               sync.Mutex
	state            State
	role             Role
	pc               PeerConnection
	sub              *rendezvous.Subscription
	processedOffer   bool
	processedAnswer  bool
	negotiating      bool
	reconnectTimer   *time.Timer
	heartbeatFails   int
	stopped          bool

	cbMu          sync.RWMutex
	onStateChange func(State)
	onConnected   func(PeerConnection)
	onError       func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Machine for room, authenticated with the passphrase whose
// fingerprint is precomputed by the caller (internal/crypto.Fingerprint).
func New(client *rendezvous.Client, room, fingerprint string, self peerid.ID, newPC PeerConnectionFactory) *Machine {
	return &Machine{
		client:      client,
		room:        room,
		fingerprint: fingerprint,
		self:        self,
		newPC:       newPC,
		logger:      slog.Default().With("room", room, "peer", self),
		limiter:     rate.NewLimiter(rate.Every(renegotiationInterval), 1),
		state:       StateIdle,
		role:        RoleNone,
	}
}

func (m *Machine) SetOnStateChange(fn func(State)) {
	m.cbMu.Lock()
	m.onStateChange = fn
	m.cbMu.Unlock()
}

func (m *Machine) SetOnConnected(fn func(PeerConnection)) {
	m.cbMu.Lock()
	m.onConnected = fn
	m.cbMu.Unlock()
}

func (m *Machine) SetOnError(fn func(error)) {
	m.cbMu.Lock()
	m.onError = fn
	m.cbMu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Role returns the currently elected role.
func (m *Machine) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.cbMu.RLock()
	fn := m.onStateChange
	m.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (m *Machine) emitError(s State, err error) {
	m.logger.Error("signaling entering terminal state", "state", s, "err", err)
	m.setState(s)
	m.cbMu.RLock()
	fn := m.onError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Start begins role election in the background. Cancel ctx to tear down.
func (m *Machine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.runElectionWithRetry(ctx)
	}()
}

// Stop tears down the current transport, unsubscribes, and halts the
// machine. Idempotent. Once Stop returns, no background activity
// remains: marking the machine stopped before tearing down the
// transport ensures a connection-lost callback fired by that teardown
// (transport.Session.Close closing the PeerConnection synchronously
// fires it) can never schedule a reconnect (spec.md §4.7).
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.teardown()
	if m.done != nil {
		<-m.done
	}
}

func (m *Machine) teardown() {
	m.mu.Lock()
	if m.pc != nil {
		_ = m.pc.Close()
		m.pc = nil
	}
	if m.sub != nil {
		_ = m.sub.Close()
		m.sub = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.processedOffer = false
	m.processedAnswer = false
	m.heartbeatFails = 0
	m.mu.Unlock()
}

// Reconnect schedules a reconnect at most once; an already-pending timer
// is left alone (single-pending-timer invariant, spec.md §4.3). A no-op
// once Stop has been called: a connection-lost callback firing as a side
// effect of Stop's own teardown must never start a new, uncancelable
// election behind the caller's back.
func (m *Machine) Reconnect(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.reconnectTimer != nil {
		return
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		m.teardown()
		m.runElectionWithRetry(context.Background())
	})
}

// OnVisible should be called when the owning tab/session regains
// visibility. It schedules a reconnect if not already connected.
func (m *Machine) OnVisible() {
	if m.State() != StateConnected && m.Role() != RoleNone {
		m.Reconnect(visibilityReconnectDelay)
	}
}

func (m *Machine) runElectionWithRetry(ctx context.Context) {
	for attempt := 0; attempt < maxElectionAttempts; attempt++ {
		err := m.electOnce(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, errRestartElection) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(raceReconnectDelay):
			}
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, errRoomFull) {
			m.emitError(StateRoomFull, err)
			return
		}
		m.emitError(StateSecurityError, err)
		return
	}
	m.emitError(StateRoomFull, fmt.Errorf("signaling: exceeded %d role-election attempts", maxElectionAttempts))
}

func (m *Machine) electOnce(ctx context.Context) error {
	m.setState(StatePreparing)

	sub, err := m.client.Subscribe(ctx, m.room)
	if err != nil {
		return fmt.Errorf("signaling: subscribe: %w", err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	rec, getErr := m.client.Get(ctx, m.room)
	switch {
	case errors.Is(getErr, rendezvous.ErrNotFound):
		return m.claimAsInitiator(ctx, sub)
	case getErr != nil:
		return fmt.Errorf("signaling: get room: %w", getErr)
	default:
		return m.handleExistingRow(ctx, sub, rec)
	}
}

func (m *Machine) claimAsInitiator(ctx context.Context, sub *rendezvous.Subscription) error {
	var rec rendezvous.Record
	err := electWithBackoff(ctx, func() error {
		var insertErr error
		rec, insertErr = m.client.InsertIfAbsent(ctx, m.room, m.fingerprint, string(m.self))
		if errors.Is(insertErr, rendezvous.ErrAlreadyExists) {
			return backoff.Permanent(insertErr)
		}
		return insertErr
	})
	if errors.Is(err, rendezvous.ErrAlreadyExists) {
		return errRestartElection
	}
	if err != nil {
		return fmt.Errorf("signaling: insert-if-absent: %w", err)
	}

	m.mu.Lock()
	m.role = RoleInitiator
	m.mu.Unlock()

	return m.runInitiatorHandshake(ctx, sub, rec)
}

func (m *Machine) handleExistingRow(ctx context.Context, sub *rendezvous.Subscription, rec rendezvous.Record) error {
	if rec.HasReceiver() {
		isOccupant := rec.InitiatorID == string(m.self) || rec.ReceiverID == string(m.self)
		age := time.Since(rec.UpdatedAt)
		if isOccupant && age > sessionExpiryHorizon {
			if err := m.client.Delete(ctx, m.room); err != nil {
				return fmt.Errorf("signaling: delete expired row: %w", err)
			}
			return errRestartElection
		}
		if !isOccupant && age > roomFullHorizon {
			if err := m.client.Delete(ctx, m.room); err != nil {
				return fmt.Errorf("signaling: delete stale row: %w", err)
			}
			return errRestartElection
		}
		return fmt.Errorf("%w", errRoomFull)
	}

	if rec.PassphraseHash != m.fingerprint {
		return fmt.Errorf("signaling: passphrase fingerprint mismatch")
	}

	if rec.OfferIsClaimedSentinel() {
		return m.awaitRealOffer(ctx, sub)
	}

	m.mu.Lock()
	m.role = RoleReceiver
	m.mu.Unlock()
	return m.runReceiverHandshake(ctx, rec)
}

var errRoomFull = errors.New("signaling: room full")

// awaitRealOffer waits for a change notification carrying the real offer
// before the receiver handshake can start (spec.md §4.3 step 4).
func (m *Machine) awaitRealOffer(ctx context.Context, sub *rendezvous.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("signaling: subscription closed while awaiting offer")
			}
			if ev.Record.RoomID != "" && !ev.Record.OfferIsClaimedSentinel() && ev.Record.Offer != "" {
				m.mu.Lock()
				m.role = RoleReceiver
				m.mu.Unlock()
				return m.runReceiverHandshake(ctx, ev.Record)
			}
		}
	}
}

func (m *Machine) runInitiatorHandshake(ctx context.Context, sub *rendezvous.Subscription, rec rendezvous.Record) error {
	pc, err := m.newPC(ctx, true)
	if err != nil {
		return fmt.Errorf("signaling: create transport: %w", err)
	}
	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(ctx, gatherTimeout)
	if err != nil {
		return fmt.Errorf("signaling: create offer: %w", err)
	}
	if err := m.client.SetOffer(ctx, m.room, offer); err != nil {
		return fmt.Errorf("signaling: write offer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("signaling: subscription closed awaiting answer")
			}
			if ev.Record.InitiatorID != string(m.self) || !ev.Record.HasAnswer() {
				continue
			}
			m.mu.Lock()
			already := m.processedAnswer
			m.processedAnswer = true
			m.mu.Unlock()
			if already {
				continue
			}
			if err := pc.SetRemoteAnswer(ctx, ev.Record.Answer); err != nil {
				return fmt.Errorf("signaling: apply answer: %w", err)
			}
			m.setState(StateConnected)
			m.cbMu.RLock()
			onConnected := m.onConnected
			m.cbMu.RUnlock()
			if onConnected != nil {
				onConnected(pc)
			}
			m.runHeartbeat(ctx)
			return nil
		}
	}
}

func (m *Machine) runReceiverHandshake(ctx context.Context, rec rendezvous.Record) error {
	m.mu.Lock()
	already := m.processedOffer
	m.processedOffer = true
	m.mu.Unlock()
	if already {
		return nil
	}

	pc, err := m.newPC(ctx, false)
	if err != nil {
		return fmt.Errorf("signaling: create transport: %w", err)
	}
	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()

	answer, err := pc.CreateAnswer(ctx, rec.Offer, gatherTimeout)
	if err != nil {
		return fmt.Errorf("signaling: create answer: %w", err)
	}

	matched, _, err := m.client.ClaimReceiver(ctx, m.room, string(m.self), answer)
	if err != nil {
		return fmt.Errorf("signaling: claim receiver: %w", err)
	}
	if !matched {
		got, err := m.client.Get(ctx, m.room)
		if err != nil {
			return fmt.Errorf("signaling: re-read after failed claim: %w", err)
		}
		if got.ReceiverID != string(m.self) {
			return errRoomFull
		}
	}

	m.setState(StateReady)
	m.setState(StateConnected)
	m.cbMu.RLock()
	onConnected := m.onConnected
	m.cbMu.RUnlock()
	if onConnected != nil {
		onConnected(pc)
	}
	m.runHeartbeat(ctx)
	return nil
}

// RequestRenegotiate asks the initiator side to renegotiate, subject to
// the throttle. No-op (and returns nil) for a receiver or when throttled.
func (m *Machine) RequestRenegotiate(ctx context.Context) error {
	if m.Role() != RoleInitiator {
		return nil
	}
	if !m.limiter.Allow() {
		return nil
	}
	m.mu.Lock()
	pc := m.pc
	already := m.negotiating
	if !already {
		m.negotiating = true
	}
	m.mu.Unlock()
	if already || pc == nil {
		return nil
	}
	defer func() {
		m.mu.Lock()
		m.negotiating = false
		m.mu.Unlock()
	}()
	return pc.Renegotiate(ctx)
}

// runHeartbeat refreshes updated_at every heartbeatInterval while
// connected. Three consecutive failures schedule a reconnect.
func (m *Machine) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State().terminal() {
				return
			}
			if err := m.client.Touch(ctx, m.room); err != nil {
				m.mu.Lock()
				m.heartbeatFails++
				fails := m.heartbeatFails
				m.mu.Unlock()
				m.logger.Warn("heartbeat failed", "err", err, "consecutive", fails)
				if fails >= maxHeartbeatFailures {
					m.Reconnect(defaultReconnectDelay)
					return
				}
				continue
			}
			m.mu.Lock()
			m.heartbeatFails = 0
			m.mu.Unlock()
		}
	}
}

// electWithBackoff retries fn with bounded exponential backoff for
// transient rendezvous errors; wrap a non-retryable error in
// backoff.Permanent to stop early (e.g. ErrAlreadyExists, which the
// election procedure's own 3-attempt restart handles instead).
func electWithBackoff(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(fn, b)
}
