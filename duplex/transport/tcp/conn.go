//go:build unix

// Package tcp is a non-blocking duplex.Transport over TCP sockets.
//
// Reads and writes go straight to the socket through its raw descriptor and
// return (0, nil) instead of parking the goroutine when the kernel would
// block. Connect dials in the background; FinishConnect polls the result.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/TheusHen/duplex/duplex"
)

const DefaultDialTimeout = 10 * time.Second

var (
	ErrNotConnected      = errors.New("tcp: not connected")
	ErrConnectInProgress = errors.New("tcp: connect already in progress")
	ErrBlockingMode      = errors.New("tcp: blocking mode is not supported")
)

type dialResult struct {
	conn *net.TCPConn
	err  error
}

// Conn is a non-blocking TCP connection.
type Conn struct {
	mu      sync.Mutex
	conn    *net.TCPConn
	raw     syscall.RawConn
	dialing chan dialResult
	cancel  context.CancelFunc
	timeout time.Duration
	log     *logrus.Entry

	inputShut  atomic.Bool
	outputShut atomic.Bool
	closed     atomic.Bool
}

// New wraps an established connection.
func New(c *net.TCPConn, log *logrus.Entry) (*Conn, error) {
	t := &Conn{timeout: DefaultDialTimeout, log: logger(log)}
	if err := t.attach(c); err != nil {
		return nil, err
	}
	return t, nil
}

// NewUnconnected returns a Conn to be connected with Connect.
func NewUnconnected(timeout time.Duration, log *logrus.Entry) *Conn {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Conn{timeout: timeout, log: logger(log)}
}

func logger(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return logrus.WithField("component", "tcp")
	}
	return log
}

func (t *Conn) attach(c *net.TCPConn) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	t.conn = c
	t.raw = raw
	return nil
}

// SetNonblocking puts the socket in non-blocking mode. Only true is
// accepted: the runtime poller owns the descriptor.
func (t *Conn) SetNonblocking(nonblocking bool) error {
	if !nonblocking {
		return ErrBlockingMode
	}
	t.mu.Lock()
	raw := t.raw
	t.mu.Unlock()
	if raw == nil {
		return nil
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), true)
	}); err != nil {
		return err
	}
	return serr
}

func (t *Conn) Connect(address string) (bool, error) {
	if t.closed.Load() {
		return false, net.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false, net.ErrClosed
	}
	if t.conn != nil {
		return true, nil
	}
	if t.dialing != nil {
		return false, ErrConnectInProgress
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	t.cancel = cancel
	t.dialing = make(chan dialResult, 1)
	go func(done chan<- dialResult) {
		defer cancel()
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			done <- dialResult{err: err}
			return
		}
		done <- dialResult{conn: c.(*net.TCPConn)}
	}(t.dialing)
	t.log.WithField("address", address).Debug("connect started")
	return false, nil
}

func (t *Conn) FinishConnect() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return true, nil
	}
	if t.dialing == nil {
		return false, ErrNotConnected
	}
	select {
	case res := <-t.dialing:
		t.dialing = nil
		if res.err != nil {
			return false, res.err
		}
		if t.closed.Load() {
			res.conn.Close()
			return false, net.ErrClosed
		}
		if err := t.attach(res.conn); err != nil {
			res.conn.Close()
			return false, err
		}
		t.log.WithField("remote", res.conn.RemoteAddr()).Debug("connected")
		return true, nil
	default:
		return false, nil
	}
}

func (t *Conn) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *Conn) rawConn() (syscall.RawConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.raw == nil {
		return nil, ErrNotConnected
	}
	return t.raw, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func (t *Conn) Read(p []byte) (int, error) {
	if t.closed.Load() || t.inputShut.Load() {
		return 0, net.ErrClosed
	}
	raw, err := t.rawConn()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var rerr error
	if err := raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), p)
		return true
	}); err != nil {
		return 0, err
	}
	switch {
	case wouldBlock(rerr):
		return 0, nil
	case rerr != nil:
		return 0, rerr
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (t *Conn) Write(p []byte) (int, error) {
	if t.closed.Load() || t.outputShut.Load() {
		return 0, net.ErrClosed
	}
	raw, err := t.rawConn()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var werr error
	if err := raw.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), p)
		return true
	}); err != nil {
		return 0, err
	}
	if wouldBlock(werr) {
		return 0, nil
	}
	if werr != nil {
		return 0, werr
	}
	return n, nil
}

// CloseRead shuts down the reading side.
func (t *Conn) CloseRead() error {
	t.inputShut.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.CloseRead()
}

// CloseWrite shuts down the writing side.
func (t *Conn) CloseWrite() error {
	t.outputShut.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.CloseWrite()
}

func (t *Conn) InputShutdown() bool  { return t.inputShut.Load() }
func (t *Conn) OutputShutdown() bool { return t.outputShut.Load() }

func (t *Conn) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.dialing != nil {
		// The dial returns promptly once cancelled. A connection it already
		// made was never handed out, so it is closed here.
		res := <-t.dialing
		t.dialing = nil
		if res.conn != nil {
			res.conn.Close()
		}
	}
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *Conn) IsConnectionPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialing != nil
}

func (t *Conn) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "tcp[unconnected]"
	}
	return fmt.Sprintf("tcp[%s->%s]", t.conn.LocalAddr(), t.conn.RemoteAddr())
}

var (
	_ duplex.Transport = (*Conn)(nil)
	_ duplex.Connector = (*Conn)(nil)
)
