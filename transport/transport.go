// Package transport provides the byte streams a shardrpc connection runs
// over: in-memory pipes, TCP, and QUIC streams.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Network names accepted by Listen and Dial.
const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"
)

// Listener yields one stream per connecting worker.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Pipe returns both ends of a synchronous in-memory stream.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

// Listen opens a listener for network. QUIC listeners without a TLS
// config get a self-signed certificate for localhost.
func Listen(network, addr string, tlsConf *tls.Config) (Listener, error) {
	switch network {
	case NetworkTCP:
		return ListenTCP(addr)
	case NetworkQUIC:
		if tlsConf == nil {
			var err error
			if tlsConf, err = SelfSignedTLS("localhost", "127.0.0.1"); err != nil {
				return nil, err
			}
		}
		return ListenQUIC(addr, tlsConf)
	default:
		return nil, fmt.Errorf("transport: unknown network %q", network)
	}
}

// Dial connects to a listener opened with the same network.
func Dial(ctx context.Context, network, addr string, tlsConf *tls.Config) (net.Conn, error) {
	switch network {
	case NetworkTCP:
		return DialTCP(ctx, addr)
	case NetworkQUIC:
		return DialQUIC(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("transport: unknown network %q", network)
	}
}
