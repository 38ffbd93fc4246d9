// Package quic carries a duplex.Transport over one QUIC stream.
//
// quic-go streams block, so every Stream runs a read pump and a write pump;
// Read and Write only touch the buffers between them and never wait.
package quic

import (
	"context"
	"crypto/tls"
	"net"

	q "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/duplex/engine/tlsengine"
)

const (
	ALPN = "duplex-quic/1"
)

func newTLSConfig() (*tls.Config, error) {
	cert, err := tlsengine.SelfSigned("duplex")
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
		// Peer identity is verified by the session engine running on top.
		InsecureSkipVerify: true,
	}, nil
}

type Listener struct {
	inner *q.Listener
	log   *logrus.Entry
}

func Listen(addr string, log *logrus.Entry) (*Listener, error) {
	tlsConf, err := newTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln, log: logger(log)}, nil
}

// Accept waits for a connection and its first stream. The stream only
// shows up once the peer wrote to it.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	l.log.WithField("remote", conn.RemoteAddr()).Debug("stream accepted")
	return NewStream(conn, st, l.log), nil
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) Close() error { return l.inner.Close() }

// Dial connects to addr and opens the stream.
func Dial(ctx context.Context, addr string, log *logrus.Entry) (*Stream, error) {
	tlsConf, err := newTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := q.DialAddr(ctx, addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return NewStream(conn, st, logger(log)), nil
}

func logger(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return logrus.WithField("component", "quic")
	}
	return log
}
