// Package memory provides an in-process, non-blocking duplex.Transport pair.
//
// The pipe never blocks: reads return (0, nil) when nothing is buffered and
// writes accept only what fits. Options shape the delivery (capacity, read
// and write granularity, connect delay) to exercise partial I/O.
package memory

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/TheusHen/duplex/duplex"
)

const DefaultCapacity = 256 << 10

var ErrNotConnected = errors.New("memory: not connected")

type options struct {
	capacity     int
	maxRead      int
	maxWrite     int
	connectDelay int
}

type Option func(*options)

// WithCapacity bounds the bytes buffered per direction.
func WithCapacity(n int) Option { return func(o *options) { o.capacity = n } }

// WithMaxRead bounds the bytes returned by a single Read.
func WithMaxRead(n int) Option { return func(o *options) { o.maxRead = n } }

// WithMaxWrite bounds the bytes accepted by a single Write.
func WithMaxWrite(n int) Option { return func(o *options) { o.maxWrite = n } }

// WithConnectDelay makes the first end start unconnected. Its connect
// completes after FinishConnect was polled n times.
func WithConnectDelay(n int) Option { return func(o *options) { o.connectDelay = n } }

type queue struct {
	mu           sync.Mutex
	data         []byte
	writerClosed bool
	readerClosed bool
}

// Conn is one end of a pipe.
type Conn struct {
	name string
	opts options
	in   *queue
	out  *queue

	mu        sync.Mutex
	connected bool
	pending   int
	address   string

	inputShut  atomic.Bool
	outputShut atomic.Bool
	closed     atomic.Bool
	failWrites atomic.Pointer[error]

	reads  atomic.Int64
	writes atomic.Int64
}

// Pipe returns two connected ends. The first one plays the connecting side.
func Pipe(opts ...Option) (*Conn, *Conn) {
	o := options{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	ab, ba := &queue{}, &queue{}
	a := &Conn{name: "a", opts: o, in: ba, out: ab}
	b := &Conn{name: "b", opts: o, in: ab, out: ba}
	a.connected = o.connectDelay == 0
	b.connected = true
	return a, b
}

func (c *Conn) Read(p []byte) (int, error) {
	c.reads.Add(1)
	if c.closed.Load() || c.inputShut.Load() {
		return 0, net.ErrClosed
	}
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.in.mu.Lock()
	defer c.in.mu.Unlock()
	if len(c.in.data) == 0 {
		if c.in.writerClosed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := len(p)
	if c.opts.maxRead > 0 && n > c.opts.maxRead {
		n = c.opts.maxRead
	}
	n = copy(p[:n], c.in.data)
	c.in.data = c.in.data[n:]
	if len(c.in.data) == 0 {
		c.in.data = nil
	}
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	if c.closed.Load() || c.outputShut.Load() {
		return 0, net.ErrClosed
	}
	if err := c.failWrites.Load(); err != nil {
		return 0, *err
	}
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}
	c.out.mu.Lock()
	defer c.out.mu.Unlock()
	if c.out.readerClosed {
		return 0, io.ErrClosedPipe
	}
	n := len(p)
	if free := c.opts.capacity - len(c.out.data); n > free {
		n = free
	}
	if c.opts.maxWrite > 0 && n > c.opts.maxWrite {
		n = c.opts.maxWrite
	}
	if n <= 0 {
		return 0, nil
	}
	c.out.data = append(c.out.data, p[:n]...)
	return n, nil
}

// CloseRead stops reading; the peer's writes fail afterwards.
func (c *Conn) CloseRead() error {
	c.inputShut.Store(true)
	c.in.mu.Lock()
	c.in.readerClosed = true
	c.in.mu.Unlock()
	return nil
}

// CloseWrite sends end of stream to the peer once buffered bytes drain.
func (c *Conn) CloseWrite() error {
	c.outputShut.Store(true)
	c.out.mu.Lock()
	c.out.writerClosed = true
	c.out.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.CloseRead()
	c.CloseWrite()
	return nil
}

func (c *Conn) InputShutdown() bool  { return c.inputShut.Load() }
func (c *Conn) OutputShutdown() bool { return c.outputShut.Load() }

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// FailWrites makes every later Write return err. Nil restores writes.
func (c *Conn) FailWrites(err error) {
	if err == nil {
		c.failWrites.Store(nil)
		return
	}
	c.failWrites.Store(&err)
}

// Reads and Writes count the calls made on this end.
func (c *Conn) Reads() int64  { return c.reads.Load() }
func (c *Conn) Writes() int64 { return c.writes.Load() }

// Buffered returns the bytes written by the peer and not yet read.
func (c *Conn) Buffered() int {
	c.in.mu.Lock()
	defer c.in.mu.Unlock()
	return len(c.in.data)
}

func (c *Conn) Connect(address string) (bool, error) {
	if c.closed.Load() {
		return false, net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
	if !c.connected && c.pending == 0 {
		c.pending = c.opts.connectDelay
	}
	if c.pending == 0 {
		c.connected = true
	}
	return c.connected, nil
}

func (c *Conn) FinishConnect() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return true, nil
	}
	if c.address == "" {
		return false, ErrNotConnected
	}
	if c.pending > 0 {
		c.pending--
	}
	c.connected = c.pending == 0
	return c.connected, nil
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) IsConnectionPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.connected && c.address != ""
}

func (c *Conn) String() string {
	return fmt.Sprintf("memory[%s]", c.name)
}

var (
	_ duplex.Transport = (*Conn)(nil)
	_ duplex.Connector = (*Conn)(nil)
)
