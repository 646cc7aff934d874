package v2g

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// V2G transfer protocol header constants.
const (
	ProtocolVersion        byte = 0x01
	InverseProtocolVersion byte = 0xFE
)

const (
	HeaderLen     = 8
	MaxPayloadLen = 64 * 1024
)

// Payload types.
const (
	PayloadTypeV2GMessage  uint16 = 0x8001
	PayloadTypeSDPRequest  uint16 = 0x9000
	PayloadTypeSDPResponse uint16 = 0x9001
)

var (
	ErrBadVersion    = errors.New("v2gtp: bad protocol version")
	ErrPayloadTooBig = errors.New("v2gtp: payload too large")
)

// EncodeFrame prepends the transfer protocol header to payload.
func EncodeFrame(payloadType uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooBig
	}
	frame := make([]byte, HeaderLen+len(payload))
	frame[0] = ProtocolVersion
	frame[1] = InverseProtocolVersion
	binary.BigEndian.PutUint16(frame[2:4], payloadType)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[HeaderLen:], payload)
	return frame, nil
}

// DecodeHeader validates a header and returns payload type and length.
func DecodeHeader(header []byte) (uint16, int, error) {
	if len(header) < HeaderLen {
		return 0, 0, io.ErrUnexpectedEOF
	}
	if header[0] != ProtocolVersion || header[1] != InverseProtocolVersion {
		return 0, 0, fmt.Errorf("%w: %#02x/%#02x", ErrBadVersion, header[0], header[1])
	}
	payloadType := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if length > MaxPayloadLen {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, length)
	}
	return payloadType, int(length), nil
}

// DecodeFrame splits a complete datagram into payload type and payload.
func DecodeFrame(datagram []byte) (uint16, []byte, error) {
	payloadType, length, err := DecodeHeader(datagram)
	if err != nil {
		return 0, nil, err
	}
	if len(datagram)-HeaderLen < length {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return payloadType, datagram[HeaderLen : HeaderLen+length], nil
}

// ReadFrame reads one frame from a stream.
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	payloadType, length, err := DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return payloadType, payload, nil
}

// WriteFrame writes one frame to a stream.
func WriteFrame(w io.Writer, payloadType uint16, payload []byte) error {
	frame, err := EncodeFrame(payloadType, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// IsFramingError reports whether err comes from header validation.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrBadVersion) || errors.Is(err, ErrPayloadTooBig)
}
