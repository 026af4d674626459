package session

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"keyroom/internal/media"
	"keyroom/internal/peerid"
	"keyroom/internal/rendezvous"
	"keyroom/internal/transport"
)

func newRendezvousServer(t *testing.T) string {
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
	return ts.URL
}

func waitForState(t *testing.T, s *Session, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if string(s.State()) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %q, last was %q", want, s.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newPairedSessions(t *testing.T, room string) (a, b *Session) {
	t.Helper()
	rendezvousURL := newRendezvousServer(t)

	idA, err := peerid.Fresh()
	if err != nil {
		t.Fatalf("peerid: %v", err)
	}
	idB, err := peerid.Fresh()
	if err != nil {
		t.Fatalf("peerid: %v", err)
	}

	a, err = New(Options{
		Room:          room,
		Passphrase:    "correct horse battery staple",
		DisplayName:   "alice",
		RendezvousURL: rendezvousURL,
		ICE:           transport.DefaultSTUNOnly(),
		PrivacyFilter: media.FilterNone,
		PeerID:        idA,
	})
	if err != nil {
		t.Fatalf("new session a: %v", err)
	}
	t.Cleanup(a.Close)

	b, err = New(Options{
		Room:          room,
		Passphrase:    "correct horse battery staple",
		DisplayName:   "bob",
		RendezvousURL: rendezvousURL,
		ICE:           transport.DefaultSTUNOnly(),
		PrivacyFilter: media.FilterNone,
		PeerID:        idB,
	})
	if err != nil {
		t.Fatalf("new session b: %v", err)
	}
	t.Cleanup(b.Close)

	return a, b
}

func TestSessionHandshakeReachesConnected(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := newPairedSessions(t, "SESSION-1")

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}

	waitForState(t, a, "connected", 8*time.Second)
	waitForState(t, b, "connected", 8*time.Second)
}

func TestSessionChatRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := newPairedSessions(t, "SESSION-2")

	received := make(chan string, 1)
	b.SetOnChatMessage(func(text string) { received <- text })

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}

	waitForState(t, a, "connected", 8*time.Second)
	waitForState(t, b, "connected", 8*time.Second)

	// The data channel opens slightly after the connected state fires.
	deadline := time.After(4 * time.Second)
	for {
		if err := a.SendChat("hello bob"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting to send chat message")
		case <-time.After(20 * time.Millisecond):
		}
	}

	select {
	case msg := <-received:
		if msg != "hello bob" {
			t.Errorf("got %q, want %q", msg, "hello bob")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for chat message")
	}
}

func TestSessionPrivacyUpdatePropagates(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, b := newPairedSessions(t, "SESSION-3")

	updates := make(chan Participant, 4)
	b.SetOnParticipantUpdate(func(p Participant) { updates <- p })

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}

	waitForState(t, a, "connected", 8*time.Second)
	waitForState(t, b, "connected", 8*time.Second)

	deadline := time.After(4 * time.Second)
	for {
		if err := a.SetPrivacy(media.FilterBlur, false, true); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting to send privacy update")
		case <-time.After(20 * time.Millisecond):
		}
	}

	for {
		select {
		case p := <-updates:
			if !p.AudioEnabled && p.VideoEnabled {
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for a privacy update reflecting the muted mic")
		}
	}
}

func TestSessionFileTransferRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, b := newPairedSessions(t, "SESSION-4")

	completed := make(chan []byte, 1)
	b.SetOnFileComplete(func(id string, data []byte, name, mimeType string) {
		completed <- data
	})
	b.SetOnFileError(func(id string, err error) {
		t.Errorf("unexpected file error: %v", err)
	})

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}

	waitForState(t, a, "connected", 8*time.Second)
	waitForState(t, b, "connected", 8*time.Second)

	payload := bytes.Repeat([]byte("z"), 200_000)
	deadline := time.After(4 * time.Second)
	for {
		err := a.SendFile(ctx, "f1", "hello.bin", "application/octet-stream", int64(len(payload)), bytes.NewReader(payload))
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out starting file transfer: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}

	select {
	case data := <-completed:
		if !bytes.Equal(data, payload) {
			t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(data), len(payload))
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for file transfer to complete")
	}
}
