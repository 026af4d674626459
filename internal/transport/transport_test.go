package transport

import (
	"context"
	"testing"
	"time"
)

func TestEncodeDecodeDescriptionRoundTrip(t *testing.T) {
	t.Parallel()
	initiator, err := New(DefaultSTUNOnly(), true)
	if err != nil {
		t.Fatalf("new initiator session: %v", err)
	}
	defer initiator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	offerB64, err := initiator.CreateOffer(ctx, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offerB64 == "" {
		t.Fatal("expected non-empty encoded offer")
	}

	desc, err := decodeDescription(offerB64)
	if err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if desc.SDP == "" {
		t.Error("expected non-empty SDP in decoded offer")
	}
}

// TestFullHandshakeExchangesDataChannelMessages drives a real offer/
// answer/ICE exchange between two loopback Sessions and confirms the
// data channel both sides install a handler on can carry a message
// (spec.md §4.4's "both sides install the same message handler").
func TestFullHandshakeExchangesDataChannelMessages(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	initiator, err := New(DefaultSTUNOnly(), true)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	defer initiator.Close()

	receiver, err := New(DefaultSTUNOnly(), false)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	defer receiver.Close()

	offerB64, err := initiator.CreateOffer(ctx, 4*time.Second)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	answerB64, err := receiver.CreateAnswer(ctx, offerB64, 4*time.Second)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}

	if err := initiator.SetRemoteAnswer(ctx, answerB64); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	received := make(chan string, 1)
	receiver.SetOnMessage(func(data []byte, isString bool) {
		if isString {
			received <- string(data)
		}
	})

	opened := make(chan struct{}, 1)
	initiator.SetOnOpen(func() {
		select {
		case opened <- struct{}{}:
		default:
		}
	})

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatal("timed out waiting for data channel to open")
	}

	if err := initiator.SendText("hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Errorf("expected %q, got %q", "hello", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestBufferedAmountWaterMarksAreOrdered(t *testing.T) {
	t.Parallel()
	if BufferedAmountLowWaterMark >= BufferedAmountHighWaterMark {
		t.Fatalf("low water mark %d must be below high water mark %d", BufferedAmountLowWaterMark, BufferedAmountHighWaterMark)
	}
}
