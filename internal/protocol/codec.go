package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrConnectionRefused is returned by ReadFrame when the remote answers with
// a zero length prefix: the listener declined us before admitting the
// connection. Callers treat it as an immediate kill, not as an I/O error.
var ErrConnectionRefused = errors.New("protocol: connection request refused by remote")

// ReadFrame blocks until one complete frame is available and returns its
// contents. Partial reads on the underlying stream are looped internally.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length == 0 {
		return nil, ErrConnectionRefused
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes the 4-byte big-endian length prefix followed by data as
// a single write, so concurrent writers never interleave partial frames.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	_, err := w.Write(buf)
	return err
}

// WriteRefusal sends the all-zero length prefix a rejected peer's ReadFrame
// interprets as ErrConnectionRefused.
func WriteRefusal(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, uint32(0))
}
