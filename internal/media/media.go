// Package media defines the contract between the core and the local
// capture/privacy-filter pipeline (spec.md §4.8). The pipeline itself —
// camera/microphone capture, the blur/mosaic/black privacy filters — is
// explicitly out of scope; this package owns only the interface the
// core programs against and a stub implementation that satisfies it
// with silence, for environments with no capture hardware wired up.
package media

import (
	"errors"
	"sync"
)

// Filter selects which privacy transform the pipeline applies to video
// frames before they ever leave the local machine. The core only ever
// toggles which filter is active; it never sees unfiltered frames.
type Filter string

const (
	FilterNone   Filter = "none"
	FilterBlur   Filter = "blur"
	FilterMosaic Filter = "mosaic"
	FilterBlack  Filter = "black"
)

// ErrUnavailable is returned by Open when the pipeline cannot produce
// any stream at all (no camera, no microphone, permission denied). The
// core treats this as entry into media-error.
var ErrUnavailable = errors.New("media: capture pipeline unavailable")

// Track is a single local media track handed to the transport layer for
// attachment to the peer connection. It is intentionally minimal: the
// core only starts, stops, and (for audio) mutes tracks, never inspects
// frame contents directly.
type Track interface {
	// Kind reports "audio" or "video".
	Kind() string
	// SetEnabled toggles whether the track forwards frames. For audio
	// this is the core's mute control (spec.md §4.8); for video it is
	// used when the pipeline falls back to audio-only.
	SetEnabled(enabled bool)
	// Enabled reports the current forwarding state.
	Enabled() bool
	// Stop releases the underlying capture device. Idempotent.
	Stop()
}

// Stream is the processed output of the capture pipeline: zero or one
// audio track and zero or one video track, already privacy-filtered.
type Stream struct {
	Audio Track
	Video Track
}

// HasVideo reports whether the stream carries a video track. The
// pipeline may omit it entirely when no camera is present, in which
// case the core disables video locally rather than entering
// media-error (spec.md §4.8).
func (s Stream) HasVideo() bool {
	return s.Video != nil
}

// HasAudio reports whether the stream carries an audio track.
func (s Stream) HasAudio() bool {
	return s.Audio != nil
}

// Pipeline produces the processed local stream the core attaches to the
// transport session. SetFilter changes the privacy transform applied to
// any video track already returned by Open.
type Pipeline interface {
	// Open acquires local media and returns the processed stream. It
	// returns ErrUnavailable (or a wrapped form of it) if no track can
	// be produced at all.
	Open(filter Filter) (Stream, error)
	// SetFilter changes the active privacy filter for a stream already
	// returned by Open.
	SetFilter(filter Filter) error
}

// stubTrack is an always-present, never-emitting Track used by
// NoopPipeline. It exists so callers exercising the media.Pipeline
// contract (attaching tracks to a transport session, wiring mute
// toggles) have something concrete to hold without real capture
// hardware.
type stubTrack struct {
	kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newStubTrack(kind string) *stubTrack {
	return &stubTrack{kind: kind, enabled: true}
}

func (t *stubTrack) Kind() string { return t.kind }

func (t *stubTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.enabled = enabled
}

func (t *stubTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *stubTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.enabled = false
}

// NoopPipeline is a Pipeline that produces an audio-only stream backed
// by stub tracks emitting nothing. It grounds the contract for
// deployments with no real capture backend wired in, and is what
// cmd/keyroom uses today since the spec places actual capture/filter
// work out of scope (spec.md §4.8, Non-goals).
type NoopPipeline struct {
	mu     sync.Mutex
	filter Filter
}

// NewNoopPipeline creates a Pipeline with no video support.
func NewNoopPipeline() *NoopPipeline {
	return &NoopPipeline{filter: FilterNone}
}

// Open returns an audio-only stream; video is omitted entirely so the
// core disables video locally rather than entering media-error.
func (p *NoopPipeline) Open(filter Filter) (Stream, error) {
	p.mu.Lock()
	p.filter = filter
	p.mu.Unlock()
	return Stream{Audio: newStubTrack("audio")}, nil
}

// SetFilter records the requested filter. There is no video track to
// apply it to, so this is bookkeeping only.
func (p *NoopPipeline) SetFilter(filter Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = filter
	return nil
}
