package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

const tcpKeepAlive = 30 * time.Second

type tcpListener struct {
	ln *net.TCPListener
}

// ListenTCP listens on addr.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &tcpListener{ln: ln.(*net.TCPListener)}, nil
}

// Accept waits for the next connection or for ctx to end.
func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	conn, err := l.ln.AcceptTCP()
	if !stop() {
		l.ln.SetDeadline(time.Time{})
		if err != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	conn.SetKeepAlivePeriod(tcpKeepAlive)
	return conn, nil
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// DialTCP connects to a TCP listener.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: tcpKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return conn, nil
}
