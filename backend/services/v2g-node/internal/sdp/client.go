package sdp

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
)

const (
	defaultRetries    = 50
	defaultTryTimeout = 250 * time.Millisecond
)

var ErrNoResponse = errors.New("sdp: no response from SECC")

// Client discovers the SECC on a link.
type Client struct {
	// Target defaults to the all-nodes multicast group on the interface.
	Target     *net.UDPAddr
	Interface  string
	Retries    int
	TryTimeout time.Duration
	logger     *zap.Logger
}

// NewClient returns client for iface with default retry policy.
func NewClient(iface string, logger *zap.Logger) *Client {
	return &Client{
		Target:     &net.UDPAddr{IP: net.IPv6linklocalallnodes, Port: Port, Zone: iface},
		Interface:  iface,
		Retries:    defaultRetries,
		TryTimeout: defaultTryTimeout,
		logger:     logger,
	}
}

// Discover retransmits the request until a valid response arrives or the
// retries are used up, which is reported as a timeout.
func (c *Client) Discover(ctx context.Context, tlsRequested bool) (Result, error) {
	const op = "discover"
	network := "udp6"
	if c.Target.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return Result{}, v2g.Local(op, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	security := SecurityNone
	if tlsRequested {
		security = SecurityTLS
	}
	request := Request{Security: security, Transport: TransportTCP}.Encode()
	buf := make([]byte, 512)

	for attempt := 1; attempt <= c.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, v2g.Classify(op, err)
		}
		if _, err := conn.WriteToUDP(request, c.Target); err != nil {
			return Result{}, v2g.Classify(op, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.TryTimeout))
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return Result{}, v2g.Local(op, err)
			}
			resp, err := ParseResponse(buf[:n])
			if err != nil {
				c.logger.Debug("ignoring discovery datagram", zap.Stringer("from", from), zap.Error(err))
				continue
			}
			result := c.result(resp, from)
			c.logger.Info("secc discovered",
				zap.String("addr", result.Address()),
				zap.Bool("tls", result.Secure),
				zap.Int("attempt", attempt),
			)
			return result, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, v2g.Classify(op, err)
	}
	return Result{}, v2g.Timeout(op, ErrNoResponse)
}

func (c *Client) result(resp Response, from *net.UDPAddr) Result {
	ip := resp.IP
	if ip.IsUnspecified() {
		ip = from.IP
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	result := Result{IP: ip, Port: int(resp.Port), Secure: resp.Security == SecurityTLS}
	if ip.IsLinkLocalUnicast() && ip.To4() == nil {
		result.Zone = c.Interface
	}
	return result
}
