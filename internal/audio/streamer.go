package audio

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sink receives every captured audio frame. Satisfied by node.Registry.
type Sink interface {
	BroadcastAudio(frame []byte)
}

// Streamer wires the capture side of a Device to a Sink. One streamer per
// process; the sink decides which nodes and connections hear the frame.
type Streamer struct {
	device Device
	sink   Sink
	logger *logrus.Logger
	muted  atomic.Bool
}

func NewStreamer(device Device, sink Sink, logger *logrus.Logger) *Streamer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Streamer{device: device, sink: sink, logger: logger}
}

// Start begins capturing. Frames captured while muted are dropped at the
// source, before any node sees them.
func (s *Streamer) Start() error {
	s.logger.Debug("Starting microphone stream")
	return s.device.Capture(func(frame []byte) {
		if s.muted.Load() {
			return
		}
		s.sink.BroadcastAudio(frame)
	})
}

// ToggleMute flips the capture-side mute and returns the new state.
func (s *Streamer) ToggleMute() bool {
	for {
		old := s.muted.Load()
		if s.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (s *Streamer) Muted() bool { return s.muted.Load() }

func (s *Streamer) Close() error {
	return s.device.Close()
}
