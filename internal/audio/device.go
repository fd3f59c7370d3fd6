// Package audio defines the seam to the external audio device and the
// microphone streamer that fans captured frames out to the live nodes.
// Actual capture and playback hardware lives behind the Device interface;
// the core only moves raw PCM byte buffers.
package audio

// Player accepts raw PCM frames for playback.
type Player interface {
	Play(frame []byte) error
}

// Device is the full external audio collaborator: it pushes captured frames
// to a callback and plays back frames on request.
type Device interface {
	Player
	// Capture starts pushing captured frames to onFrame, one call per
	// buffer, on the device's own capture goroutine. It does not block.
	Capture(onFrame func(frame []byte)) error
	Close() error
}

// Discard is a Device for headless and test use: playback is dropped and
// capture never produces a frame.
var Discard Device = discardDevice{}

type discardDevice struct{}

func (discardDevice) Play([]byte) error { return nil }

func (discardDevice) Capture(func(frame []byte)) error { return nil }

func (discardDevice) Close() error { return nil }
