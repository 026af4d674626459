package rendezvous

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestServer(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rendezvous.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := echo.New()
	e.HideBanner = true
	NewServer(st, NewBroadcaster()).Register(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return NewClient(ts.URL), ts
}

func TestClientInsertGetClaim(t *testing.T) {
	t.Parallel()
	client, _ := newTestServer(t)
	ctx := context.Background()

	rec, err := client.InsertIfAbsent(ctx, "ALPHA-1", "fp", "initiator")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.Offer != ClaimedSentinel {
		t.Fatalf("expected claimed sentinel, got %q", rec.Offer)
	}

	if err := client.SetOffer(ctx, "ALPHA-1", "base64offer"); err != nil {
		t.Fatalf("set offer: %v", err)
	}

	got, err := client.Get(ctx, "ALPHA-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Offer != "base64offer" {
		t.Fatalf("expected offer to be set, got %q", got.Offer)
	}

	matched, rec2, err := client.ClaimReceiver(ctx, "ALPHA-1", "receiver", "base64answer")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !matched {
		t.Fatal("expected claim to match")
	}
	if rec2.ReceiverID != "receiver" || rec2.Answer != "base64answer" {
		t.Fatalf("unexpected record after claim: %#v", rec2)
	}

	// Second claim attempt must lose the race.
	matched2, _, err := client.ClaimReceiver(ctx, "ALPHA-1", "other", "x")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if matched2 {
		t.Fatal("expected second claim to fail (receiver already set)")
	}
}

func TestClientGetNotFound(t *testing.T) {
	t.Parallel()
	client, _ := newTestServer(t)
	if _, err := client.Get(context.Background(), "GHOST"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientInsertCollision(t *testing.T) {
	t.Parallel()
	client, _ := newTestServer(t)
	ctx := context.Background()
	if _, err := client.InsertIfAbsent(ctx, "ALPHA-1", "fp", "a"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := client.InsertIfAbsent(ctx, "ALPHA-1", "fp", "b"); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestClientSubscribeReceivesEvents(t *testing.T) {
	t.Parallel()
	client, _ := newTestServer(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "ALPHA-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := client.InsertIfAbsent(ctx, "ALPHA-1", "fp", "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != EventInsert {
			t.Fatalf("expected insert event, got %v", ev.Kind)
		}
		if ev.Record.InitiatorID != "a" {
			t.Fatalf("unexpected initiator in event: %q", ev.Record.InitiatorID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for insert event")
	}

	if err := client.SetOffer(ctx, "ALPHA-1", "offer-blob"); err != nil {
		t.Fatalf("set offer: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != EventUpdate {
			t.Fatalf("expected update event, got %v", ev.Kind)
		}
		if ev.Record.Offer != "offer-blob" {
			t.Fatalf("expected offer in event, got %q", ev.Record.Offer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update event")
	}
}
