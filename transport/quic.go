package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "shardrpc/3"

const (
	quicIdleTimeout = 30 * time.Second
	quicKeepAlive   = 10 * time.Second
	// quicCloseGrace leaves time for a FIN and the data before it to be
	// acknowledged before the connection itself goes away.
	quicCloseGrace = time.Second
	acceptBacklog  = 16
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlive,
	}
}

// streamConn carries one shardrpc connection on the first stream of a
// QUIC connection.
type streamConn struct {
	*quic.Stream
	conn      *quic.Conn
	closeOnce sync.Once
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close sends FIN, stops reading and closes the QUIC connection after a
// short grace period.
func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Stream.Close()
		c.Stream.CancelRead(0)
		time.AfterFunc(quicCloseGrace, func() {
			_ = c.conn.CloseWithError(0, "")
		})
	})
	return err
}

// DialQUIC dials addr and opens the stream the handshake runs on. A nil
// tlsConf uses InsecureClientTLS.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	if tlsConf == nil {
		tlsConf = InsecureClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("transport: open quic stream: %w", err)
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

type quicListener struct {
	ln      *quic.Listener
	streams chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// ListenQUIC listens on addr. tlsConf must carry a certificate.
func ListenQUIC(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil || (len(tlsConf.Certificates) == 0 && tlsConf.GetCertificate == nil) {
		return nil, errors.New("transport: quic listener needs a TLS certificate")
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen quic %s: %w", addr, err)
	}
	l := &quicListener{
		ln:      ln,
		streams: make(chan net.Conn, acceptBacklog),
		done:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()

	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return
		}
		go l.acceptStream(ctx, conn)
	}
}

// acceptStream waits for the peer's first stream so one slow client does
// not hold up the others.
func (l *quicListener) acceptStream(ctx context.Context, conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(ctx, quicIdleTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	sc := &streamConn{Stream: stream, conn: conn}
	select {
	case l.streams <- sc:
	case <-l.done:
		sc.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
