// Package filetransfer implements the outbound chunked sender and inbound
// assembly buffer for file transfers over the data channel (spec.md
// §4.6). Every chunk is independently AES-GCM encrypted; the on-wire
// binary frame is nonce‖ciphertext.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"keyroom/internal/crypto"
	"keyroom/internal/protocol"
)

const (
	// ChunkSize is the plaintext size of each outbound chunk.
	ChunkSize = 64 * 1024
	// MaxFileSize is rejected locally before any bytes are sent.
	MaxFileSize = 100 * 1024 * 1024

	// highWaterMark and lowWaterMark mirror internal/transport's buffered-
	// amount thresholds; filetransfer doesn't import transport to stay
	// decoupled from the concrete WebRTC stack, only the DataChannel
	// interface below.
	highWaterMark = 1 << 20
	lowWaterMark  = highWaterMark / 2
)

var (
	ErrFileTooLarge = errors.New("filetransfer: file exceeds maximum size")
	ErrCanceled     = errors.New("filetransfer: transfer canceled")
	ErrBusy         = errors.New("filetransfer: a transfer is already in progress")
)

// DataChannel is the subset of a transport session the engine needs to
// send frames and observe backpressure.
type DataChannel interface {
	Send(data []byte) error
	SendText(data string) error
	BufferedAmount() uint64
	SetOnBufferedAmountLow(func())
}

// Sender streams one outbound file at a time over ch, encrypting each
// chunk under key.
type Sender struct {
	ch  DataChannel
	key crypto.Key

	mu       sync.Mutex
	active   bool
	resumeCh chan struct{}
}

// NewSender creates a Sender bound to ch. ch's low-water-mark callback is
// claimed by the Sender; callers must not also register one.
func NewSender(ch DataChannel, key crypto.Key) *Sender {
	s := &Sender{ch: ch, key: key, resumeCh: make(chan struct{}, 1)}
	ch.SetOnBufferedAmountLow(func() {
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
	})
	return s
}

// Send streams data (of declared size) as id/name/mimeType. It blocks
// until the transfer completes, is canceled via ctx, or fails.
func (s *Sender) Send(ctx context.Context, id, name, mimeType string, size int64, data io.Reader) error {
	if size > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrBusy
	}
	s.active = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	metaFrame := protocol.NewFileMetaFrame(id, name, size, mimeType)
	metaJSON, err := protocol.Encode(metaFrame)
	if err != nil {
		return fmt.Errorf("filetransfer: encode file-meta: %w", err)
	}
	if err := s.ch.SendText(string(metaJSON)); err != nil {
		return fmt.Errorf("filetransfer: send file-meta: %w", err)
	}

	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			s.abort(id)
			return ErrCanceled
		}

		if err := s.waitForBufferRoom(ctx); err != nil {
			s.abort(id)
			return err
		}

		n, readErr := io.ReadFull(data, buf)
		if n > 0 {
			chunk := buf[:n]
			ciphertext, nonce, encErr := crypto.EncryptBytes(s.key, chunk)
			if encErr != nil {
				s.abort(id)
				return fmt.Errorf("filetransfer: encrypt chunk: %w", encErr)
			}
			wire := make([]byte, 0, len(nonce)+len(ciphertext))
			wire = append(wire, nonce...)
			wire = append(wire, ciphertext...)
			if err := s.ch.Send(wire); err != nil {
				s.abort(id)
				return fmt.Errorf("filetransfer: send chunk: %w", err)
			}
			sent += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			s.abort(id)
			return fmt.Errorf("filetransfer: read source: %w", readErr)
		}
	}

	if sent != size {
		return fmt.Errorf("filetransfer: read %d bytes, expected %d", sent, size)
	}
	return nil
}

func (s *Sender) abort(id string) {
	frame := protocol.NewFileAbortFrame(id)
	data, err := protocol.Encode(frame)
	if err != nil {
		return
	}
	_ = s.ch.SendText(string(data))
}

// waitForBufferRoom blocks while the channel's buffered amount is at or
// above the high water mark, resuming once the low-water callback fires
// or ctx is canceled (spec.md §4.6).
func (s *Sender) waitForBufferRoom(ctx context.Context) error {
	for s.ch.BufferedAmount() >= highWaterMark {
		select {
		case <-ctx.Done():
			return ErrCanceled
		case <-s.resumeCh:
		}
	}
	return nil
}

// inbound tracks one in-progress incoming transfer.
type inbound struct {
	id       string
	name     string
	mimeType string
	size     int64
	buf      []byte
}

// Receiver assembles one inbound file transfer at a time.
type Receiver struct {
	key crypto.Key

	mu     sync.Mutex
	active *inbound

	cbMu       sync.RWMutex
	onProgress func(id string, received, total int64)
	onComplete func(id string, data []byte, name, mimeType string)
	onError    func(id string, err error)
}

// NewReceiver creates a Receiver that decrypts incoming chunks under key.
func NewReceiver(key crypto.Key) *Receiver {
	return &Receiver{key: key}
}

func (r *Receiver) SetOnProgress(fn func(id string, received, total int64)) {
	r.cbMu.Lock()
	r.onProgress = fn
	r.cbMu.Unlock()
}

func (r *Receiver) SetOnComplete(fn func(id string, data []byte, name, mimeType string)) {
	r.cbMu.Lock()
	r.onComplete = fn
	r.cbMu.Unlock()
}

func (r *Receiver) SetOnError(fn func(id string, err error)) {
	r.cbMu.Lock()
	r.onError = fn
	r.cbMu.Unlock()
}

// HandleFileMeta allocates the assembly buffer for a new transfer,
// discarding any unfinished prior transfer (only one in flight, spec.md
// §4.6).
func (r *Receiver) HandleFileMeta(p protocol.FileMetaPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = &inbound{
		id:       p.ID,
		name:     p.Name,
		mimeType: p.MimeType,
		size:     p.Size,
		buf:      make([]byte, 0, p.Size),
	}
}

// HandleFileAbort discards the active transfer if its ID matches.
func (r *Receiver) HandleFileAbort(p protocol.FileAbortPayload) {
	r.mu.Lock()
	if r.active != nil && r.active.id == p.ID {
		r.active = nil
	}
	r.mu.Unlock()
}

// HandleBinaryFrame decrypts and appends one chunk. Decryption failure
// discards the partial transfer with no resumption (spec.md §4.6).
func (r *Receiver) HandleBinaryFrame(frame []byte) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active == nil {
		return fmt.Errorf("filetransfer: binary frame with no active transfer")
	}

	if len(frame) < crypto.NonceSize {
		r.failActive(active.id, fmt.Errorf("filetransfer: frame shorter than nonce"))
		return fmt.Errorf("filetransfer: frame shorter than nonce")
	}
	nonce := frame[:crypto.NonceSize]
	ciphertext := frame[crypto.NonceSize:]

	plaintext, err := crypto.DecryptBytes(r.key, ciphertext, nonce)
	if err != nil {
		r.failActive(active.id, err)
		return fmt.Errorf("filetransfer: decrypt chunk: %w", err)
	}

	r.mu.Lock()
	if r.active == nil || r.active.id != active.id {
		r.mu.Unlock()
		return nil
	}
	r.active.buf = append(r.active.buf, plaintext...)
	received := int64(len(r.active.buf))
	total := r.active.size
	name := r.active.name
	mimeType := r.active.mimeType
	done := received >= total
	var completedBuf []byte
	if done {
		completedBuf = r.active.buf
		r.active = nil
	}
	r.mu.Unlock()

	r.cbMu.RLock()
	onProgress := r.onProgress
	onComplete := r.onComplete
	r.cbMu.RUnlock()
	if onProgress != nil {
		onProgress(active.id, received, total)
	}
	if done && onComplete != nil {
		onComplete(active.id, completedBuf, name, mimeType)
	}
	return nil
}

func (r *Receiver) failActive(id string, err error) {
	r.mu.Lock()
	if r.active != nil && r.active.id == id {
		r.active = nil
	}
	r.mu.Unlock()

	r.cbMu.RLock()
	onError := r.onError
	r.cbMu.RUnlock()
	if onError != nil {
		onError(id, err)
	}
}
