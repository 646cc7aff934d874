package sdp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Advertiser answers discovery requests with the listener ports.
type Advertiser struct {
	// ListenAddr overrides the multicast group join, for loopback use.
	ListenAddr *net.UDPAddr
	// IP is announced in responses; when nil the interface's link-local address is used.
	IP        net.IP
	Interface string
	logger    *zap.Logger
	conn      *net.UDPConn
}

// NewAdvertiser returns advertiser for iface.
func NewAdvertiser(iface string, logger *zap.Logger) *Advertiser {
	return &Advertiser{Interface: iface, logger: logger}
}

// Bind opens the discovery socket.
func (a *Advertiser) Bind() error {
	if a.conn != nil {
		return nil
	}
	var (
		conn *net.UDPConn
		err  error
	)
	if a.ListenAddr != nil {
		conn, err = net.ListenUDP("udp", a.ListenAddr)
	} else {
		var ifi *net.Interface
		ifi, err = net.InterfaceByName(a.Interface)
		if err != nil {
			return fmt.Errorf("sdp: interface %s: %w", a.Interface, err)
		}
		conn, err = net.ListenMulticastUDP("udp6", ifi, &net.UDPAddr{IP: net.IPv6linklocalallnodes, Port: Port})
	}
	if err != nil {
		return fmt.Errorf("sdp: listen: %w", err)
	}
	if a.IP == nil {
		ip, err := linkLocalIP(a.Interface)
		if err != nil {
			conn.Close()
			return err
		}
		a.IP = ip
	}
	a.conn = conn
	return nil
}

// Addr returns the bound discovery address.
func (a *Advertiser) Addr() *net.UDPAddr {
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Serve answers requests until ctx ends. A zero port disables that mode. It
// must only be started once the listeners accept connections.
func (a *Advertiser) Serve(ctx context.Context, tlsPort, tcpPort int) error {
	if err := a.Bind(); err != nil {
		return err
	}
	conn := a.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	a.logger.Info("sdp advertising",
		zap.Stringer("addr", conn.LocalAddr()),
		zap.Int("tls_port", tlsPort),
		zap.Int("tcp_port", tcpPort),
	)
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sdp: read: %w", err)
		}
		req, err := ParseRequest(buf[:n])
		if err != nil {
			a.logger.Debug("ignoring discovery datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		port, secure := Choose(req.Security == SecurityTLS, tlsPort, tcpPort)
		if port == 0 {
			continue
		}
		security := SecurityNone
		if secure {
			security = SecurityTLS
		}
		resp := Response{IP: a.IP, Port: uint16(port), Security: security, Transport: TransportTCP}
		if _, err := conn.WriteToUDP(resp.Encode(), from); err != nil {
			a.logger.Warn("sdp response failed", zap.Stringer("to", from), zap.Error(err))
			continue
		}
		a.logger.Debug("sdp answered", zap.Stringer("to", from), zap.Int("port", port), zap.Bool("tls", secure))
	}
}

func linkLocalIP(iface string) (net.IP, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("sdp: interface %s: %w", iface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("sdp: addresses of %s: %w", iface, err)
	}
	var fallback net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() == nil && ipNet.IP.IsLinkLocalUnicast() {
			return ipNet.IP, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("sdp: no address on %s", iface)
	}
	return fallback, nil
}
