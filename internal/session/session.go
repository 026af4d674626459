// Package session wires the rendezvous client, the signaling state
// machine, a transport session, the message protocol, the file transfer
// engine, the resource governor, and the media pipeline into one
// top-level object the application layer drives (spec.md §3, §4, §5).
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"keyroom/internal/config"
	"keyroom/internal/crypto"
	"keyroom/internal/filetransfer"
	"keyroom/internal/governor"
	"keyroom/internal/media"
	"keyroom/internal/peerid"
	"keyroom/internal/protocol"
	"keyroom/internal/rendezvous"
	"keyroom/internal/signaling"
	"keyroom/internal/transport"
)

const connectionLostReconnectDelay = 1 * time.Second

// Options holds the session configuration that spec.md §3 describes as
// immutable for the lifetime of a session: room, passphrase, display
// name, initial privacy mode, and the recording-protection/ephemerality
// flags. The passphrase is consumed by New (key derivation and
// fingerprint) and never stored on Session.
type Options struct {
	Room             string
	Passphrase       string
	DisplayName      string
	RendezvousURL    string
	ICE              transport.ICEConfig
	PrivacyFilter    media.Filter
	RecordingProtect bool
	Ephemeral        bool

	// Pipeline is the local media source. Defaults to media.NewNoopPipeline
	// if nil, since real capture is outside this repo's scope (spec.md
	// §4.8, Non-goals).
	Pipeline media.Pipeline

	// PeerID overrides the process-wide peer identity (peerid.New) with an
	// independently generated one. The production entrypoints never set
	// this — a tab-lifetime process has exactly one stable identity
	// (spec.md §3) — but a test process simulating two tabs' worth of
	// peers needs distinct identities per Session (see peerid.Fresh).
	PeerID peerid.ID
}

// Participant is the local or remote party view (spec.md §3). Remote
// audio/video flags are driven solely by inbound privacy-update frames,
// never inferred from the transport.
type Participant struct {
	DisplayName  string
	AudioEnabled bool
	VideoEnabled bool
	Stream       media.Stream
}

// dataChannel is the capability surface Session needs from a connected
// transport, beyond the signaling.PeerConnection contract. transport.
// Session satisfies it; Session's newPeerConnection factory is the only
// place that constructs a transport.Session, so the type assertion in
// handleConnected is always safe in practice.
type dataChannel interface {
	SendText(data string) error
	Send(data []byte) error
	BufferedAmount() uint64
	SetOnMessage(fn func(data []byte, isString bool))
	SetOnOpen(fn func())
	SetOnBufferedAmountLow(fn func())
	SetOnConnectionStateChange(fn func(transport.ConnectionState))
	SetOnConnectionLost(fn func())
}

var _ dataChannel = (*transport.Session)(nil)
var _ filetransfer.DataChannel = (*transport.Session)(nil)

// Session orchestrates one room's lifecycle end to end.
type Session struct {
	opts   Options
	room   string
	self   peerid.ID
	key    crypto.Key
	client *rendezvous.Client

	machine  *signaling.Machine
	gov      *governor.Governor
	pipeline media.Pipeline
	logger   *slog.Logger

	mu            sync.Mutex
	local         Participant
	remote        Participant
	currentFilter media.Filter
	mediaErr      error
	dc            dataChannel
	sender        *filetransfer.Sender
	receiver      *filetransfer.Receiver
	sendToken     *governor.Token

	cbMu                sync.RWMutex
	onStateChange       func(signaling.State)
	onChatMessage       func(text string)
	onParticipantUpdate func(Participant)
	onFileProgress      func(id string, received, total int64)
	onFileComplete      func(id string, data []byte, name, mimeType string)
	onFileError         func(id string, err error)
	onPeerTerminated    func()
	onError             func(error)
}

// New derives the session key and constructs the signaling machine. It
// does not contact the network or open media; call Start for that.
func New(opts Options) (*Session, error) {
	if opts.Pipeline == nil {
		opts.Pipeline = media.NewNoopPipeline()
	}
	if opts.PrivacyFilter == "" {
		opts.PrivacyFilter = media.FilterNone
	}

	room := config.NormalizeRoom(opts.Room)
	key, err := crypto.DeriveKey(opts.Passphrase, room)
	if err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}
	fingerprint := crypto.Fingerprint(opts.Passphrase)
	opts.Passphrase = ""

	self := opts.PeerID
	if self == "" {
		var err error
		self, err = peerid.New()
		if err != nil {
			return nil, fmt.Errorf("session: generate peer identity: %w", err)
		}
	}

	client := rendezvous.NewClient(opts.RendezvousURL)
	s := &Session{
		opts:          opts,
		room:          room,
		self:          self,
		key:           key,
		client:        client,
		gov:           governor.New(),
		pipeline:      opts.Pipeline,
		logger:        slog.Default().With("room", room, "peer", self),
		currentFilter: opts.PrivacyFilter,
	}
	s.local = Participant{DisplayName: opts.DisplayName}

	s.machine = signaling.New(client, room, fingerprint, self, s.newPeerConnection)
	s.machine.SetOnStateChange(s.handleStateChange)
	s.machine.SetOnConnected(s.handleConnected)
	s.machine.SetOnError(s.handleSignalingError)

	return s, nil
}

func (s *Session) SetOnStateChange(fn func(signaling.State)) {
	s.cbMu.Lock()
	s.onStateChange = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnChatMessage(fn func(text string)) {
	s.cbMu.Lock()
	s.onChatMessage = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnParticipantUpdate(fn func(Participant)) {
	s.cbMu.Lock()
	s.onParticipantUpdate = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnFileProgress(fn func(id string, received, total int64)) {
	s.cbMu.Lock()
	s.onFileProgress = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnFileComplete(fn func(id string, data []byte, name, mimeType string)) {
	s.cbMu.Lock()
	s.onFileComplete = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnFileError(fn func(id string, err error)) {
	s.cbMu.Lock()
	s.onFileError = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnPeerTerminated(fn func()) {
	s.cbMu.Lock()
	s.onPeerTerminated = fn
	s.cbMu.Unlock()
}

func (s *Session) SetOnError(fn func(error)) {
	s.cbMu.Lock()
	s.onError = fn
	s.cbMu.Unlock()
}

// State reports the effective session state, folding in a local media
// failure as media-error even though the signaling machine itself never
// observes the media pipeline (spec.md §4.8).
func (s *Session) State() signaling.State {
	s.mu.Lock()
	mediaErr := s.mediaErr
	s.mu.Unlock()
	if mediaErr != nil {
		return signaling.StateMediaError
	}
	return s.machine.State()
}

// LocalParticipant returns a snapshot of the local participant view.
func (s *Session) LocalParticipant() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteParticipant returns a snapshot of the remote participant view.
func (s *Session) RemoteParticipant() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Start opens local media and begins role election. It returns an error
// (and enters media-error) if the pipeline cannot produce any stream at
// all.
func (s *Session) Start(ctx context.Context) error {
	stream, err := s.pipeline.Open(s.opts.PrivacyFilter)
	if err != nil {
		s.mu.Lock()
		s.mediaErr = err
		s.mu.Unlock()
		s.emitError(fmt.Errorf("session: media unavailable: %w", err))
		return err
	}

	s.mu.Lock()
	s.local.Stream = stream
	s.local.AudioEnabled = stream.HasAudio()
	s.local.VideoEnabled = stream.HasVideo()
	s.mu.Unlock()

	if !stream.HasVideo() {
		s.logger.Info("media pipeline returned no video track, disabling video locally")
	}

	s.gov.Track("local-media", func() {
		if stream.Audio != nil {
			stream.Audio.Stop()
		}
		if stream.Video != nil {
			stream.Video.Stop()
		}
	})

	s.machine.Start(ctx)
	return nil
}

// Close runs the resource governor's cleanup, tearing down signaling,
// the transport session, local media, and any in-flight file transfer
// (spec.md §4.7). Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	token := s.sendToken
	s.mu.Unlock()
	if token != nil {
		token.Cancel()
	}
	s.machine.Stop()
	s.gov.Cleanup()
}

func (s *Session) newPeerConnection(ctx context.Context, isInitiator bool) (signaling.PeerConnection, error) {
	sess, err := transport.New(s.opts.ICE, isInitiator)
	if err != nil {
		return nil, err
	}
	s.gov.Track("transport-session", func() { _ = sess.Close() })
	return sess, nil
}

func (s *Session) handleStateChange(st signaling.State) {
	s.cbMu.RLock()
	fn := s.onStateChange
	s.cbMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (s *Session) handleSignalingError(err error) {
	s.emitError(err)
}

func (s *Session) emitError(err error) {
	s.cbMu.RLock()
	fn := s.onError
	s.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) handleConnected(pc signaling.PeerConnection) {
	dc, ok := pc.(dataChannel)
	if !ok {
		s.emitError(fmt.Errorf("session: transport does not support data channel operations"))
		return
	}

	receiver := filetransfer.NewReceiver(s.key)
	receiver.SetOnProgress(func(id string, received, total int64) {
		s.cbMu.RLock()
		fn := s.onFileProgress
		s.cbMu.RUnlock()
		if fn != nil {
			fn(id, received, total)
		}
	})
	receiver.SetOnComplete(func(id string, data []byte, name, mimeType string) {
		s.cbMu.RLock()
		fn := s.onFileComplete
		s.cbMu.RUnlock()
		if fn != nil {
			fn(id, data, name, mimeType)
		}
	})
	receiver.SetOnError(func(id string, err error) {
		s.cbMu.RLock()
		fn := s.onFileError
		s.cbMu.RUnlock()
		if fn != nil {
			fn(id, err)
		}
	})

	s.mu.Lock()
	s.dc = dc
	s.sender = filetransfer.NewSender(dc, s.key)
	s.receiver = receiver
	s.mu.Unlock()

	dc.SetOnMessage(s.handleMessage)
	dc.SetOnOpen(func() {
		if err := s.sendPrivacyUpdate(); err != nil {
			s.logger.Warn("failed to send initial privacy update", "err", err)
		}
	})
	dc.SetOnConnectionLost(func() {
		s.machine.Reconnect(connectionLostReconnectDelay)
	})

	s.gov.Track("data-channel-handlers", func() {
		dc.SetOnMessage(nil)
		dc.SetOnOpen(nil)
		dc.SetOnBufferedAmountLow(nil)
		dc.SetOnConnectionStateChange(nil)
		dc.SetOnConnectionLost(nil)
	})
}

func (s *Session) handleMessage(data []byte, isString bool) {
	if !isString {
		s.mu.Lock()
		receiver := s.receiver
		s.mu.Unlock()
		if receiver == nil {
			return
		}
		if err := receiver.HandleBinaryFrame(data); err != nil {
			s.logger.Warn("binary frame handling failed", "err", err)
		}
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("failed to decode text frame", "err", err)
		return
	}

	switch frame.Type {
	case protocol.TypeChat:
		text, err := crypto.DecryptText(s.key, frame.Chat.Data, frame.Chat.IV)
		if err != nil {
			s.logger.Warn("chat message failed to decrypt", "err", err)
			return
		}
		s.cbMu.RLock()
		fn := s.onChatMessage
		s.cbMu.RUnlock()
		if fn != nil {
			fn(text)
		}
	case protocol.TypePrivacyUpdate:
		s.mu.Lock()
		s.remote.AudioEnabled = frame.PrivacyUpdate.AudioEnabled
		s.remote.VideoEnabled = frame.PrivacyUpdate.VideoEnabled
		remote := s.remote
		s.mu.Unlock()
		s.cbMu.RLock()
		fn := s.onParticipantUpdate
		s.cbMu.RUnlock()
		if fn != nil {
			fn(remote)
		}
	case protocol.TypeFileMeta:
		s.mu.Lock()
		receiver := s.receiver
		s.mu.Unlock()
		if receiver != nil {
			receiver.HandleFileMeta(*frame.FileMeta)
		}
	case protocol.TypeFileAbort:
		s.mu.Lock()
		receiver := s.receiver
		s.mu.Unlock()
		if receiver != nil {
			receiver.HandleFileAbort(*frame.FileAbort)
		}
	case protocol.TypeSessionTerminate:
		s.cbMu.RLock()
		fn := s.onPeerTerminated
		s.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
		go s.Close()
	default:
		s.logger.Debug("ignoring unrecognized frame type", "type", frame.Type)
	}
}

// SendChat encrypts and sends a chat message to the connected peer.
func (s *Session) SendChat(text string) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("session: not connected")
	}
	ciphertext, iv, err := crypto.EncryptText(s.key, text)
	if err != nil {
		return fmt.Errorf("session: encrypt chat message: %w", err)
	}
	data, err := protocol.Encode(protocol.NewChatFrame(ciphertext, iv))
	if err != nil {
		return fmt.Errorf("session: encode chat frame: %w", err)
	}
	return dc.SendText(string(data))
}

// SendFile streams a file to the connected peer, blocking until it
// completes or is canceled via ctx. Only one outbound transfer may be in
// flight at a time (spec.md §4.6).
func (s *Session) SendFile(ctx context.Context, id, name, mimeType string, size int64, r io.Reader) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("session: not connected")
	}

	token := governor.NewToken()
	s.mu.Lock()
	s.sendToken = token
	s.mu.Unlock()
	trackName := fmt.Sprintf("file-send-token:%s", id)
	s.gov.Track(trackName, token.Cancel)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-sendCtx.Done():
		}
	}()

	err := sender.Send(sendCtx, id, name, mimeType, size, r)

	s.mu.Lock()
	s.sendToken = nil
	s.mu.Unlock()
	return err
}

// SetPrivacy updates the local participant's privacy mode and mute
// gates, applies the filter to the local pipeline, and (once connected)
// notifies the peer via a privacy-update frame.
func (s *Session) SetPrivacy(filter media.Filter, audioEnabled, videoEnabled bool) error {
	s.mu.Lock()
	s.currentFilter = filter
	s.local.AudioEnabled = audioEnabled
	s.local.VideoEnabled = videoEnabled
	stream := s.local.Stream
	s.mu.Unlock()

	if stream.Audio != nil {
		stream.Audio.SetEnabled(audioEnabled)
	}
	if stream.Video != nil {
		stream.Video.SetEnabled(videoEnabled)
	}
	if err := s.pipeline.SetFilter(filter); err != nil {
		return fmt.Errorf("session: set filter: %w", err)
	}
	return s.sendPrivacyUpdate()
}

func (s *Session) sendPrivacyUpdate() error {
	s.mu.Lock()
	dc := s.dc
	filter := s.currentFilter
	audio := s.local.AudioEnabled
	video := s.local.VideoEnabled
	s.mu.Unlock()
	if dc == nil {
		return nil
	}
	data, err := protocol.Encode(protocol.NewPrivacyUpdateFrame(string(filter), audio, video))
	if err != nil {
		return fmt.Errorf("session: encode privacy-update frame: %w", err)
	}
	return dc.SendText(string(data))
}

// RequestRenegotiate asks the signaling machine to renegotiate the
// transport. See signaling.Machine.RequestRenegotiate for the
// initiator-only, throttled semantics.
func (s *Session) RequestRenegotiate(ctx context.Context) error {
	return s.machine.RequestRenegotiate(ctx)
}

// Terminate sends a session-terminate frame and then closes the session
// locally.
func (s *Session) Terminate() error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	var sendErr error
	if dc != nil {
		data, err := protocol.Encode(protocol.NewSessionTerminateFrame())
		if err != nil {
			sendErr = fmt.Errorf("session: encode session-terminate frame: %w", err)
		} else {
			sendErr = dc.SendText(string(data))
		}
	}
	s.Close()
	return sendErr
}
