package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a thin typed façade over the rendezvous Server's HTTP API
// (spec.md §4.2). It surfaces exactly the operations the signaling state
// machine needs and nothing about the underlying transport.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client talking to a rendezvous Server at baseURL
// (e.g. "http://127.0.0.1:8090").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func fromWire(w roomWire) Record {
	r := Record{
		RoomID:         w.RoomID,
		PassphraseHash: w.PassphraseHash,
		InitiatorID:    w.InitiatorID,
		ReceiverID:     w.ReceiverID,
		Offer:          w.Offer,
		Answer:         w.Answer,
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, w.CreatedAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, w.UpdatedAt)
	return r
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rendezvous client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("rendezvous client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rendezvous client: %s %s: %w", method, path, err)
	}
	if out != nil && resp.StatusCode < 300 {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("rendezvous client: decode response: %w", err)
		}
	} else {
		resp.Body.Close()
	}
	return resp, nil
}

// Get fetches the row for room, or ErrNotFound if absent.
func (c *Client) Get(ctx context.Context, room string) (Record, error) {
	var w roomWire
	resp, err := c.do(ctx, http.MethodGet, "/rooms/"+room, nil, &w)
	if err != nil {
		return Record{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return Record{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Record{}, fmt.Errorf("rendezvous client: get %q: status %d", room, resp.StatusCode)
	}
	return fromWire(w), nil
}

// InsertIfAbsent attempts to create the row with self as initiator. Returns
// ErrAlreadyExists on collision (spec.md §4.3 step 2).
func (c *Client) InsertIfAbsent(ctx context.Context, room, passphraseHash, initiatorID string) (Record, error) {
	var w roomWire
	resp, err := c.do(ctx, http.MethodPost, "/rooms", insertRequest{
		RoomID: room, PassphraseHash: passphraseHash, InitiatorID: initiatorID,
	}, &w)
	if err != nil {
		return Record{}, err
	}
	if resp.StatusCode == http.StatusConflict {
		return Record{}, ErrAlreadyExists
	}
	if resp.StatusCode != http.StatusCreated {
		return Record{}, fmt.Errorf("rendezvous client: insert %q: status %d", room, resp.StatusCode)
	}
	return fromWire(w), nil
}

// SetOffer writes the real SDP offer over the claimed sentinel.
func (c *Client) SetOffer(ctx context.Context, room, offer string) error {
	resp, err := c.do(ctx, http.MethodPost, "/rooms/"+room+"/offer", offerRequest{Offer: offer}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous client: set-offer %q: status %d", room, resp.StatusCode)
	}
	return nil
}

// ClaimReceiver attempts the conditional update claiming the receiver slot.
// matched is false ("lost the race") when receiver_id was already set.
func (c *Client) ClaimReceiver(ctx context.Context, room, receiverID, answer string) (matched bool, rec Record, err error) {
	var resp claimResponse
	httpResp, err := c.do(ctx, http.MethodPost, "/rooms/"+room+"/claim", claimRequest{
		ReceiverID: receiverID, Answer: answer,
	}, &resp)
	if err != nil {
		return false, Record{}, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return false, Record{}, fmt.Errorf("rendezvous client: claim %q: status %d", room, httpResp.StatusCode)
	}
	return resp.Matched, fromWire(resp.Record), nil
}

// Touch refreshes updated_at for room (the heartbeat write, spec.md §4.3).
func (c *Client) Touch(ctx context.Context, room string) error {
	resp, err := c.do(ctx, http.MethodPost, "/rooms/"+room+"/touch", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous client: touch %q: status %d", room, resp.StatusCode)
	}
	return nil
}

// Delete removes the row for room.
func (c *Client) Delete(ctx context.Context, room string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/rooms/"+room, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous client: delete %q: status %d", room, resp.StatusCode)
	}
	return nil
}

// Subscription is a live change-notification stream for one room.
type Subscription struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
}

// Events returns the channel of incoming row-change events. It is closed
// when the subscription ends (Close, or the server connection drops).
func (s *Subscription) Events() <-chan Event { return s.events }

// Close terminates the subscription. Idempotent.
func (s *Subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.conn.Close()
}

type eventWire struct {
	Kind   string   `json:"kind"`
	Record roomWire `json:"record"`
}

// Subscribe opens a change-notification stream for room (spec.md §4.2(e)).
// Per §4.3 step 5, callers should subscribe before or concurrently with
// their first Get so that transitions during the handshake are not missed.
func (c *Client) Subscribe(ctx context.Context, room string) (*Subscription, error) {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/rooms/" + room + "/events"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous client: subscribe %q: %w", room, err)
	}

	sub := &Subscription{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.events)
		for {
			var w eventWire
			if err := conn.ReadJSON(&w); err != nil {
				return
			}
			var kind EventKind
			switch w.Kind {
			case "insert":
				kind = EventInsert
			case "update":
				kind = EventUpdate
			case "delete":
				kind = EventDelete
			}
			ev := Event{Kind: kind, Record: fromWire(w.Record)}
			select {
			case sub.events <- ev:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}
