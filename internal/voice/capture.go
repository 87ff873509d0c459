package voice

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wasel-chat/wasel/internal/domain"
)

// ErrPermissionDenied means the audio input could not be opened. It is
// fatal for voice only; chat connectivity is unaffected.
var ErrPermissionDenied = errors.New("audio capture permission denied")

// frameDuration is the opus packetization interval.
const frameDuration = 20 * time.Millisecond

// CaptureSource opens the local audio input. Settings select the
// device and processing tier; denial surfaces as ErrPermissionDenied.
type CaptureSource interface {
	Open(settings domain.VoiceSettings) (SampleReader, error)
}

// SampleReader yields encoded audio samples until closed, after which
// Read returns io.EOF.
type SampleReader interface {
	Read() (media.Sample, error)
	Close() error
}

// SilenceSource is the built-in capture used when no real input is
// wired, producing opus silence frames at the normal cadence. It keeps
// the media path exercisable end to end without an audio device.
type SilenceSource struct{}

// opus "silk-only, 20ms, mono" DTX silence payload.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (SilenceSource) Open(domain.VoiceSettings) (SampleReader, error) {
	return &silenceReader{done: make(chan struct{})}, nil
}

type silenceReader struct {
	done chan struct{}
	once sync.Once
}

func (r *silenceReader) Read() (media.Sample, error) {
	select {
	case <-r.done:
		return media.Sample{}, io.EOF
	case <-time.After(frameDuration):
	}
	return media.Sample{Data: opusSilence, Duration: frameDuration}, nil
}

func (r *silenceReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
