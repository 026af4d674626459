// Package transport wraps a single pion/webrtc PeerConnection and its one
// ordered, reliable DataChannel (spec.md §4.4). It implements the
// signaling.PeerConnection interface so the signaling state machine can
// drive the offer/answer exchange without importing pion directly.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"keyroom/internal/signaling"
)

const (
	dataChannelLabel = "keyroom"

	// BufferedAmountHighWaterMark is the threshold (spec.md §4.6) above
	// which the file transfer engine must pause sending.
	BufferedAmountHighWaterMark = 1 << 20 // 1 MiB
	// BufferedAmountLowWaterMark is where OnBufferedAmountLow fires so the
	// sender can resume (threshold/2).
	BufferedAmountLowWaterMark = BufferedAmountHighWaterMark / 2

	candidatePoolSize = 4
)

// ConnectionState mirrors the subset of webrtc.PeerConnectionState the
// rest of the application needs to observe.
type ConnectionState string

const (
	StateNew        ConnectionState = "new"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateClosed     ConnectionState = "closed"
	StateFailed     ConnectionState = "failed"
)

func fromPionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateConnecting
	}
}

// ICEConfig is the curated server list a Session dials through. Callers
// are expected to supply at least one STUN server and one TURN relay
// reachable from restrictive networks (spec.md §4.4); this package ships
// no hardcoded TURN credentials since those are deployment-specific.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// DefaultSTUNOnly returns a minimal ICE configuration using public STUN
// servers only. Production deployments should add a TURN relay via
// internal/config.
func DefaultSTUNOnly() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}}
}

// Session wraps one PeerConnection and its data channel for the lifetime
// of one signaling handshake.
type Session struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	logger *slog.Logger

	mu             sync.Mutex
	dataChannelSet chan struct{} // closed once dc is non-nil
	dataChannelOK  bool

	cbMu                sync.RWMutex
	onMessage           func(data []byte, isString bool)
	onOpen              func()
	onBufferedAmountLow func()
	onStateChange       func(ConnectionState)
	onConnectionLost    func()
}

// Verify Session satisfies the signaling state machine's transport
// contract at compile time.
var _ signaling.PeerConnection = (*Session)(nil)

// New creates a PeerConnection configured with ice. isInitiator controls
// whether this side creates the data channel or waits to receive it
// (spec.md §4.4).
func New(ice ICEConfig, isInitiator bool) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:           ice.Servers,
		ICECandidatePoolSize: candidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}

	s := &Session{
		pc:             pc,
		logger:         slog.Default(),
		dataChannelSet: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		cs := fromPionState(state)
		s.cbMu.RLock()
		onState := s.onStateChange
		onLost := s.onConnectionLost
		s.cbMu.RUnlock()
		if onState != nil {
			onState(cs)
		}
		if (cs == StateClosed || cs == StateFailed) && onLost != nil {
			onLost()
		}
	})

	if isInitiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("transport: create data channel: %w", err)
		}
		s.installDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			s.installDataChannel(dc)
		})
	}

	return s, nil
}

func (s *Session) installDataChannel(dc *webrtc.DataChannel) {
	dc.SetBufferedAmountLowThreshold(BufferedAmountLowWaterMark)

	dc.OnOpen(func() {
		s.cbMu.RLock()
		fn := s.onOpen
		s.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnBufferedAmountLow(func() {
		s.cbMu.RLock()
		fn := s.onBufferedAmountLow
		s.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.cbMu.RLock()
		fn := s.onMessage
		s.cbMu.RUnlock()
		if fn != nil {
			fn(msg.Data, msg.IsString)
		}
	})
	dc.OnError(func(err error) {
		s.logger.Warn("data channel error", "err", err)
	})

	s.mu.Lock()
	s.dc = dc
	if !s.dataChannelOK {
		s.dataChannelOK = true
		close(s.dataChannelSet)
	}
	s.mu.Unlock()
}

func (s *Session) SetOnMessage(fn func(data []byte, isString bool)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnOpen(fn func()) {
	s.cbMu.Lock()
	s.onOpen = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnBufferedAmountLow(fn func()) {
	s.cbMu.Lock()
	s.onBufferedAmountLow = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnConnectionStateChange(fn func(ConnectionState)) {
	s.cbMu.Lock()
	s.onStateChange = fn
	s.cbMu.Unlock()
}

// SetOnConnectionLost registers the connection-lost callback fired when
// the peer connection transitions to closed or failed (spec.md §4.4);
// the caller is expected to schedule a 1s-delayed reconnect from here.
func (s *Session) SetOnConnectionLost(fn func()) {
	s.cbMu.Lock()
	s.onConnectionLost = fn
	s.cbMu.Unlock()
}

// SendText writes a text frame to the data channel.
func (s *Session) SendText(data string) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("transport: data channel not yet open")
	}
	return dc.SendText(data)
}

// Send writes a binary frame to the data channel.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("transport: data channel not yet open")
	}
	return dc.Send(data)
}

// BufferedAmount reports the data channel's current outbound buffer size,
// used by the file transfer engine's backpressure logic.
func (s *Session) BufferedAmount() uint64 {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("transport: marshal description: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeDescription(b64 string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return desc, fmt.Errorf("transport: decode description: %w", err)
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("transport: unmarshal description: %w", err)
	}
	return desc, nil
}

// waitGatherComplete blocks until ICE gathering completes or timeout
// elapses, whichever comes first (spec.md §4.3).
func (s *Session) waitGatherComplete(ctx context.Context, timeout time.Duration) {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-gatherComplete:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
}

// CreateOffer implements signaling.PeerConnection for the initiator side.
func (s *Session) CreateOffer(ctx context.Context, gatherTimeout time.Duration) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}
	s.waitGatherComplete(ctx, gatherTimeout)
	return encodeDescription(*s.pc.LocalDescription())
}

// CreateAnswer implements signaling.PeerConnection for the receiver side.
func (s *Session) CreateAnswer(ctx context.Context, offerB64 string, gatherTimeout time.Duration) (string, error) {
	offer, err := decodeDescription(offerB64)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}
	s.waitGatherComplete(ctx, gatherTimeout)
	return encodeDescription(*s.pc.LocalDescription())
}

// SetRemoteAnswer implements signaling.PeerConnection for the initiator
// side, applying the answer exactly once the caller's processed-answer
// guard lets it through.
func (s *Session) SetRemoteAnswer(ctx context.Context, answerB64 string) error {
	answer, err := decodeDescription(answerB64)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	return nil
}

// Renegotiate creates a fresh local offer, sets it as the local
// description and returns. It does not wait for an answer: the offer is
// not written to the rendezvous row, and the signaling layer applies no
// answer for it. It fails unless the signaling state is stable; the
// signaling throttle enforces the ≤1/5s rule and initiator-only
// restriction (spec.md §4.3).
func (s *Session) Renegotiate(ctx context.Context) error {
	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		return fmt.Errorf("transport: cannot renegotiate, signaling state is %s", s.pc.SignalingState())
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: renegotiate create offer: %w", err)
	}
	return s.pc.SetLocalDescription(offer)
}

// Close tears down the peer connection. Idempotent; pion tolerates a
// double Close.
func (s *Session) Close() error {
	return s.pc.Close()
}
