package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize     = 4
	lengthSize     = 4
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
)

// ErrFrameTooShort is returned when a frame cannot hold a command header.
var ErrFrameTooShort = errors.New("data too short")

// Encode encodes the commandID as the first 4 bytes (big-endian) followed by the payload.
func Encode(commandID uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], commandID)
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode decodes the first 4 bytes as commandID (big-endian) and returns the rest as payload.
// The payload slice references the input data for performance - do not modify it.
func Decode(data []byte) (uint32, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, ErrFrameTooShort
	}

	payloadSize := len(data) - headerSize
	if payloadSize > maxPayloadSize {
		return 0, nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", payloadSize, maxPayloadSize)
	}

	cmd := binary.BigEndian.Uint32(data[:headerSize])
	// Use slicing instead of copying for better performance
	// Caller should not modify the payload slice
	payload := data[headerSize:]
	return cmd, payload, nil
}

// WriteFrame writes an encoded frame to a stream, prefixed with its length
// as 4 bytes big-endian. Stream transports have no message boundaries of
// their own.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > headerSize+maxPayloadSize {
		return fmt.Errorf("frame size %d exceeds maximum %d bytes", len(frame), headerSize+maxPayloadSize)
	}

	buf := make([]byte, lengthSize+len(frame))
	binary.BigEndian.PutUint32(buf[:lengthSize], uint32(len(frame)))
	copy(buf[lengthSize:], frame)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from a stream. The declared
// length is checked before anything is allocated.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size < headerSize {
		return nil, ErrFrameTooShort
	}
	if size > headerSize+maxPayloadSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", size, headerSize+maxPayloadSize)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
