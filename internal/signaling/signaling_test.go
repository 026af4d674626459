package signaling

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"keyroom/internal/peerid"
	"keyroom/internal/rendezvous"
)

// fakePC is a no-op PeerConnection standing in for a real transport
// session; signaling only needs the SDP plumbing to exercise the state
// machine end to end.
type fakePC struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakePC) CreateOffer(ctx context.Context, _ time.Duration) (string, error) {
	return "offer-sdp", nil
}

func (f *fakePC) CreateAnswer(ctx context.Context, offerB64 string, _ time.Duration) (string, error) {
	return "answer-sdp-for-" + offerB64, nil
}

func (f *fakePC) SetRemoteAnswer(ctx context.Context, answerB64 string) error { return nil }

func (f *fakePC) Renegotiate(ctx context.Context) error { return nil }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFactory() PeerConnectionFactory {
	return func(ctx context.Context, isInitiator bool) (PeerConnection, error) {
		return &fakePC{}, nil
	}
}

func newRendezvousServer(t *testing.T) *rendezvous.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rendezvous.db")
	st, err := rendezvous.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := echo.New()
	e.HideBanner = true
	rendezvous.NewServer(st, rendezvous.NewBroadcaster()).Register(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return rendezvous.NewClient(ts.URL)
}

func TestHappyPathElectsInitiatorAndReceiver(t *testing.T) {
	t.Parallel()
	client := newRendezvousServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initiatorID, err := peerid.Fresh()
	if err != nil {
		t.Fatalf("peerid: %v", err)
	}
	receiverID, err := peerid.Fresh()
	if err != nil {
		t.Fatalf("peerid: %v", err)
	}

	initiator := New(client, "ALPHA-1", "fp", initiatorID, newFactory())
	connected := make(chan struct{}, 1)
	initiator.SetOnConnected(func(PeerConnection) { connected <- struct{}{} })
	initiator.Start(ctx)
	defer initiator.Stop()

	// Give the initiator a moment to write the offer before the receiver
	// starts its own election.
	time.Sleep(50 * time.Millisecond)

	receiver := New(client, "ALPHA-1", "fp", receiverID, newFactory())
	receiverConnected := make(chan struct{}, 1)
	receiver.SetOnConnected(func(PeerConnection) { receiverConnected <- struct{}{} })
	receiver.Start(ctx)
	defer receiver.Stop()

	select {
	case <-connected:
	case <-time.After(4 * time.Second):
		t.Fatal("initiator never reached connected")
	}
	select {
	case <-receiverConnected:
	case <-time.After(4 * time.Second):
		t.Fatal("receiver never reached connected")
	}

	if initiator.Role() != RoleInitiator {
		t.Errorf("expected initiator role, got %v", initiator.Role())
	}
	if receiver.Role() != RoleReceiver {
		t.Errorf("expected receiver role, got %v", receiver.Role())
	}
}

func TestReconnectAfterStopIsNoOp(t *testing.T) {
	t.Parallel()
	client := newRendezvousServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initiatorID, _ := peerid.Fresh()
	receiverID, _ := peerid.Fresh()

	initiator := New(client, "GAMMA-3", "fp", initiatorID, newFactory())
	initiator.Start(ctx)
	defer initiator.Stop()
	time.Sleep(50 * time.Millisecond)

	receiver := New(client, "GAMMA-3", "fp", receiverID, newFactory())
	connected := make(chan struct{}, 1)
	receiver.SetOnConnected(func(PeerConnection) { connected <- struct{}{} })
	receiver.Start(ctx)

	select {
	case <-connected:
	case <-time.After(4 * time.Second):
		t.Fatal("receiver never reached connected")
	}

	// Stop marks the machine stopped before tearing down the transport, so
	// a connection-lost callback racing in from that teardown (or any
	// other caller) must find Reconnect a no-op (spec.md §4.7: no
	// background activity survives Stop).
	receiver.Stop()
	receiver.Reconnect(5 * time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	receiver.mu.Lock()
	timer := receiver.reconnectTimer
	receiver.mu.Unlock()
	if timer != nil {
		t.Fatal("expected Reconnect after Stop to leave no pending timer")
	}
}

func TestPassphraseMismatchSurfacesSecurityError(t *testing.T) {
	t.Parallel()
	client := newRendezvousServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initiatorID, _ := peerid.Fresh()
	receiverID, _ := peerid.Fresh()

	initiator := New(client, "BETA-2", "correct-fp", initiatorID, newFactory())
	initiator.Start(ctx)
	defer initiator.Stop()
	time.Sleep(50 * time.Millisecond)

	receiver := New(client, "BETA-2", "wrong-fp", receiverID, newFactory())
	errCh := make(chan error, 1)
	receiver.SetOnError(func(err error) { errCh <- err })
	receiver.Start(ctx)
	defer receiver.Stop()

	select {
	case <-errCh:
	case <-time.After(4 * time.Second):
		t.Fatal("expected a security error for passphrase mismatch")
	}
	if receiver.State() != StateSecurityError {
		t.Errorf("expected security-error state, got %v", receiver.State())
	}
}
