package sdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

// Port is the well-known discovery port.
const Port = 15118

// Security and transport codes carried by discovery messages.
const (
	SecurityTLS  byte = 0x00
	SecurityNone byte = 0x10
	TransportTCP byte = 0x00
)

const (
	requestLen  = 2
	responseLen = 20
)

var ErrBadLength = errors.New("sdp: unexpected payload length")

// Request asks for the SECC address.
type Request struct {
	Security  byte
	Transport byte
}

// Response announces the SECC address.
type Response struct {
	IP        net.IP
	Port      uint16
	Security  byte
	Transport byte
}

// Result is the outcome of a discovery. It is not modified after discovery.
type Result struct {
	IP     net.IP
	Port   int
	Zone   string
	Secure bool
}

// Address returns host:port suitable for dialing.
func (r Result) Address() string {
	host := r.IP.String()
	if r.Zone != "" {
		host += "%" + r.Zone
	}
	return net.JoinHostPort(host, fmt.Sprint(r.Port))
}

// Encode frames the request.
func (r Request) Encode() []byte {
	frame, _ := v2g.EncodeFrame(v2g.PayloadTypeSDPRequest, []byte{r.Security, r.Transport})
	return frame
}

// Encode frames the response.
func (r Response) Encode() []byte {
	payload := make([]byte, responseLen)
	copy(payload[:16], r.IP.To16())
	binary.BigEndian.PutUint16(payload[16:18], r.Port)
	payload[18] = r.Security
	payload[19] = r.Transport
	frame, _ := v2g.EncodeFrame(v2g.PayloadTypeSDPResponse, payload)
	return frame
}

// ParseRequest decodes a request datagram.
func ParseRequest(datagram []byte) (Request, error) {
	payload, err := payloadOf(datagram, v2g.PayloadTypeSDPRequest, requestLen)
	if err != nil {
		return Request{}, err
	}
	return Request{Security: payload[0], Transport: payload[1]}, nil
}

// ParseResponse decodes a response datagram.
func ParseResponse(datagram []byte) (Response, error) {
	payload, err := payloadOf(datagram, v2g.PayloadTypeSDPResponse, responseLen)
	if err != nil {
		return Response{}, err
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, payload[:16])
	return Response{
		IP:        ip,
		Port:      binary.BigEndian.Uint16(payload[16:18]),
		Security:  payload[18],
		Transport: payload[19],
	}, nil
}

func payloadOf(datagram []byte, want uint16, size int) ([]byte, error) {
	payloadType, payload, err := v2g.DecodeFrame(datagram)
	if err != nil {
		return nil, err
	}
	if payloadType != want {
		return nil, fmt.Errorf("sdp: payload type %#04x, want %#04x", payloadType, want)
	}
	if len(payload) != size {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, len(payload))
	}
	return payload, nil
}

// Choose picks the port to announce: TLS when requested and enabled, else TCP,
// else TLS. A zero port means there is nothing to announce.
func Choose(tlsRequested bool, tlsPort, tcpPort int) (int, bool) {
	if tlsRequested && tlsPort != 0 {
		return tlsPort, true
	}
	if tcpPort != 0 {
		return tcpPort, false
	}
	return tlsPort, true
}
