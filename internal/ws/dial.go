package ws

import (
	"context"
	"net"
)

// netDialer wraps net.Dialer and forces TCP_NODELAY on the resulting
// connection, per §4.1's "TLS + websocket handshake with TCP_NODELAY".
// gorilla/websocket's default dialer does not expose this knob directly,
// so the session supplies its own NetDialContext.
type netDialer struct {
	net.Dialer
}

func (d *netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}
