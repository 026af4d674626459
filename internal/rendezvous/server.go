package rendezvous

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Server exposes the Store over HTTP (spec.md §4.2, §6). It is the
// untrusted rendezvous service; it enforces no identity beyond what the
// conditional-update predicates already guarantee.
type Server struct {
	store       *Store
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
}

// NewServer creates a Server bound to store, publishing row changes on
// broadcaster.
func NewServer(store *Store, broadcaster *Broadcaster) *Server {
	return &Server{
		store:       store,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds routes on an Echo router.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/rooms/:room", s.handleGet)
	e.POST("/rooms", s.handleInsert)
	e.POST("/rooms/:room/offer", s.handleSetOffer)
	e.POST("/rooms/:room/claim", s.handleClaimReceiver)
	e.POST("/rooms/:room/touch", s.handleTouch)
	e.DELETE("/rooms/:room", s.handleDelete)
	e.GET("/rooms/:room/events", s.handleEvents)
}

type roomWire struct {
	RoomID         string `json:"room_id"`
	PassphraseHash string `json:"passphrase_hash"`
	InitiatorID    string `json:"initiator_id"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Offer          string `json:"offer,omitempty"`
	Answer         string `json:"answer,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toWire(r Record) roomWire {
	return roomWire{
		RoomID:         r.RoomID,
		PassphraseHash: r.PassphraseHash,
		InitiatorID:    r.InitiatorID,
		ReceiverID:     r.ReceiverID,
		Offer:          r.Offer,
		Answer:         r.Answer,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) handleGet(c echo.Context) error {
	room := normalizeRoom(c.Param("room"))
	rec, err := s.store.Get(c.Request().Context(), room)
	if errors.Is(err, ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		slog.Error("rendezvous get failed", "room", room, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, toWire(rec))
}

type insertRequest struct {
	RoomID         string `json:"room_id"`
	PassphraseHash string `json:"passphrase_hash"`
	InitiatorID    string `json:"initiator_id"`
}

func (s *Server) handleInsert(c echo.Context) error {
	var req insertRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	room := normalizeRoom(req.RoomID)
	rec, err := s.store.InsertIfAbsent(c.Request().Context(), room, req.PassphraseHash, req.InitiatorID)
	if errors.Is(err, ErrAlreadyExists) {
		return c.NoContent(http.StatusConflict)
	}
	if err != nil {
		slog.Error("rendezvous insert failed", "room", room, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	s.broadcaster.Publish(room, Event{Kind: EventInsert, Record: rec})
	return c.JSON(http.StatusCreated, toWire(rec))
}

type offerRequest struct {
	Offer string `json:"offer"`
}

func (s *Server) handleSetOffer(c echo.Context) error {
	room := normalizeRoom(c.Param("room"))
	var req offerRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.store.SetOffer(c.Request().Context(), room, req.Offer); err != nil {
		slog.Error("rendezvous set-offer failed", "room", room, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	rec, err := s.store.Get(c.Request().Context(), room)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	s.broadcaster.Publish(room, Event{Kind: EventUpdate, Record: rec})
	return c.NoContent(http.StatusOK)
}

type claimRequest struct {
	ReceiverID string `json:"receiver_id"`
	Answer     string `json:"answer"`
}

type claimResponse struct {
	Matched bool     `json:"matched"`
	Record  roomWire `json:"record"`
}

func (s *Server) handleClaimReceiver(c echo.Context) error {
	room := normalizeRoom(c.Param("room"))
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	matched, err := s.store.ClaimReceiver(c.Request().Context(), room, req.ReceiverID, req.Answer)
	if err != nil {
		slog.Error("rendezvous claim failed", "room", room, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	rec, err := s.store.Get(c.Request().Context(), room)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	if matched {
		s.broadcaster.Publish(room, Event{Kind: EventUpdate, Record: rec})
	}
	return c.JSON(http.StatusOK, claimResponse{Matched: matched, Record: toWire(rec)})
}

func (s *Server) handleTouch(c echo.Context) error {
	room := normalizeRoom(c.Param("room"))
	if err := s.store.Touch(c.Request().Context(), room); err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		slog.Error("rendezvous touch failed", "room", room, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleDelete(c echo.Context) error {
	room := normalizeRoom(c.Param("room"))
	rec, getErr := s.store.Get(c.Request().Context(), room)
	if err := s.store.Delete(c.Request().Context(), room); err != nil {
		slog.Error("rendezvous delete failed", "room", room, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	if getErr == nil {
		s.broadcaster.Publish(room, Event{Kind: EventDelete, Record: rec})
	}
	return c.NoContent(http.StatusOK)
}

// handleEvents upgrades to a websocket and streams change notifications for
// one room until the client disconnects (spec.md §4.2(e)).
func (s *Server) handleEvents(c echo.Context) error {
	room := normalizeRoom(c.Param("room"))
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Debug("rendezvous ws upgrade failed", "room", room, "err", err)
		return nil
	}
	defer conn.Close()

	ch, unsubscribe := s.broadcaster.Subscribe(room)
	defer unsubscribe()

	// Detect client-initiated close without blocking the write loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			wire := struct {
				Kind   string   `json:"kind"`
				Record roomWire `json:"record"`
			}{Kind: ev.Kind.String(), Record: toWire(ev.Record)}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(wire); err != nil {
				return nil
			}
		}
	}
}

func normalizeRoom(room string) string {
	return strings.ToUpper(strings.TrimSpace(room))
}
