package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
)

// ErrFrameTooLarge is returned when a frame exceeds constants.MaxFrameSize
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes env as a 4-byte big-endian length followed by its CBOR
// encoding, in a single Write call
func WriteFrame(w io.Writer, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(data) > constants.MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r
func ReadFrame(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > constants.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	env := &Envelope{}
	if err := env.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}
