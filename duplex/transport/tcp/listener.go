//go:build unix

package tcp

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Listener accepts TCP connections as non-blocking Conns.
type Listener struct {
	inner *net.TCPListener
	log   *logrus.Entry
}

func Listen(addr string, log *logrus.Entry) (*Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln, log: logger(log)}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.inner.AcceptTCP()
	if err != nil {
		return nil, err
	}
	l.log.WithField("remote", c.RemoteAddr()).Debug("accepted")
	return New(c, l.log)
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) Close() error { return l.inner.Close() }
