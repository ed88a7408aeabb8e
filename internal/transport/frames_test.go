package transport_test

import (
	"bytes"
	"testing"

	"github.com/voluble-ai/voluble/internal/transport"
)

func TestAudioFrameRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	frame, err := transport.EncodeAudioFrame(transport.AudioHeader{
		IsFinal:   true,
		Timestamp: 1234,
	}, pcm)
	if err != nil {
		t.Fatalf("EncodeAudioFrame: %v", err)
	}

	h, got, err := transport.DecodeAudioFrame(frame)
	if err != nil {
		t.Fatalf("DecodeAudioFrame: %v", err)
	}
	if h.Type != transport.TypeAudio {
		t.Errorf("header type = %q, want %q", h.Type, transport.TypeAudio)
	}
	if !h.IsFinal || h.Timestamp != 1234 {
		t.Errorf("header = %+v", h)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("payload = %v, want %v", got, pcm)
	}
}

func TestDecodeAudioFrame_PayloadWithNewlines(t *testing.T) {
	t.Parallel()

	// PCM bytes may contain 0x0a; only the first newline ends the header.
	pcm := []byte{'\n', 0, '\n', 7}
	frame, err := transport.EncodeAudioFrame(transport.AudioHeader{}, pcm)
	if err != nil {
		t.Fatalf("EncodeAudioFrame: %v", err)
	}
	_, got, err := transport.DecodeAudioFrame(frame)
	if err != nil {
		t.Fatalf("DecodeAudioFrame: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("payload = %v, want %v", got, pcm)
	}
}

func TestDecodeAudioFrame_MissingHeader(t *testing.T) {
	t.Parallel()

	if _, _, err := transport.DecodeAudioFrame([]byte("no newline here")); err == nil {
		t.Error("DecodeAudioFrame accepted a frame without a header line")
	}
}
