package media

import "testing"

func TestNoopPipelineProducesAudioOnlyStream(t *testing.T) {
	t.Parallel()
	p := NewNoopPipeline()
	stream, err := p.Open(FilterBlur)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !stream.HasAudio() {
		t.Fatal("expected an audio track")
	}
	if stream.HasVideo() {
		t.Fatal("expected no video track from the noop pipeline")
	}
}

func TestTrackMuteToggle(t *testing.T) {
	t.Parallel()
	p := NewNoopPipeline()
	stream, err := p.Open(FilterNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !stream.Audio.Enabled() {
		t.Fatal("expected track to start enabled")
	}
	stream.Audio.SetEnabled(false)
	if stream.Audio.Enabled() {
		t.Fatal("expected track to be disabled after mute")
	}
	stream.Audio.SetEnabled(true)
	if !stream.Audio.Enabled() {
		t.Fatal("expected track to be re-enabled")
	}
}

func TestTrackStopIsTerminal(t *testing.T) {
	t.Parallel()
	p := NewNoopPipeline()
	stream, err := p.Open(FilterNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream.Audio.Stop()
	if stream.Audio.Enabled() {
		t.Fatal("expected stopped track to report disabled")
	}
	stream.Audio.SetEnabled(true)
	if stream.Audio.Enabled() {
		t.Fatal("expected SetEnabled to be a no-op after Stop")
	}
}

func TestSetFilterIsIdempotentBookkeeping(t *testing.T) {
	t.Parallel()
	p := NewNoopPipeline()
	if _, err := p.Open(FilterNone); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, f := range []Filter{FilterBlur, FilterMosaic, FilterBlack, FilterNone} {
		if err := p.SetFilter(f); err != nil {
			t.Fatalf("set filter %s: %v", f, err)
		}
	}
}
