package duplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// maxShutdownSteps bounds the empty wraps issued while closing outbound.
const maxShutdownSteps = 16

// Channel is a secure session over a non-blocking Transport.
type Channel struct {
	transport Transport
	engine    Engine
	cfg       Config
	log       *logrus.Entry

	appSize    int
	packetSize int

	// readMu and writeMu serialize callers per direction. stateMu is shared
	// by the data paths and held exclusively by handshake and shutdown steps.
	readMu  sync.Mutex
	writeMu sync.Mutex
	stateMu sync.RWMutex

	plainIn buffer // decrypted, not yet read
	netIn   buffer // read from the transport, not yet unwrapped
	netOut  buffer // wrapped, not yet written to the transport
	empty   []byte

	// Handshake state, guarded by stateMu.
	begun   bool
	phase   HandshakeStatus
	pending Interest

	finished atomic.Bool
	shutdown atomic.Bool
	blocking atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps t and e into a Channel. The transport is switched to
// non-blocking mode when it supports switching.
func New(t Transport, e Engine, cfg Config) (*Channel, error) {
	if t == nil {
		return nil, errors.New("duplex: transport is required")
	}
	if e == nil {
		return nil, errors.New("duplex: engine is required")
	}
	cfg = cfg.withDefaults()

	if nb, ok := t.(nonblocker); ok {
		if err := nb.SetNonblocking(true); err != nil {
			return nil, fmt.Errorf("duplex: configure transport: %w", err)
		}
	}

	c := &Channel{
		transport:  t,
		engine:     e,
		cfg:        cfg,
		log:        cfg.Logger,
		appSize:    e.ApplicationBufferSize(),
		packetSize: e.PacketBufferSize(),
		empty:      []byte{},
		phase:      NotHandshaking,
		pending:    InterestNone,
	}
	c.plainIn = newBuffer(c.appSize)
	c.netIn = newBuffer(c.packetSize)
	c.netOut = newBuffer(c.packetSize)
	c.blocking.Store(cfg.Blocking)
	return c, nil
}

// NewClient creates the client side of a session using f.
func NewClient(t Transport, f EngineFactory, sess SessionConfig, cfg Config) (*Channel, error) {
	e, err := f.ClientEngine(sess)
	if err != nil {
		return nil, fmt.Errorf("duplex: client engine: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.WithField("role", "client")
	return New(t, e, cfg)
}

// NewServer creates the server side of a session using f.
func NewServer(t Transport, f EngineFactory, sess SessionConfig, cfg Config) (*Channel, error) {
	e, err := f.ServerEngine(sess)
	if err != nil {
		return nil, fmt.Errorf("duplex: server engine: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.WithField("role", "server")
	return New(t, e, cfg)
}

// Transport returns the wrapped transport, for readiness registration.
func (c *Channel) Transport() Transport { return c.transport }

// Engine returns the session engine.
func (c *Channel) Engine() Engine { return c.engine }

// Finished reports whether the handshake completed.
func (c *Channel) Finished() bool { return c.finished.Load() }

// SimulateBlocking switches simulated-blocking mode and returns the
// previous mode. The transport itself stays non-blocking.
func (c *Channel) SimulateBlocking(b bool) bool { return c.blocking.Swap(b) }

// Encrypted returns the number of ciphertext bytes waiting for the transport.
func (c *Channel) Encrypted() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.netOut.Len()
}

// Decrypted returns the number of plaintext bytes ready to be read.
func (c *Channel) Decrypted() int {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.plainIn.Len()
}

// Pending returns the readiness the last handshake step was waiting for.
// It is InterestNone once the handshake finished.
func (c *Channel) Pending() Interest {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.pending
}

// IsConnectionPending reports whether a non-blocking connect was started
// and has not completed yet.
func (c *Channel) IsConnectionPending() bool {
	if conn, ok := c.transport.(Connector); ok {
		return conn.IsConnectionPending()
	}
	return false
}

// IsConnected reports whether a connecting transport finished connecting.
// Transports without a Connector are always connected.
func (c *Channel) IsConnected() bool {
	if conn, ok := c.transport.(Connector); ok {
		return conn.IsConnected()
	}
	return true
}

// FinishConnect completes a pending non-blocking connect.
func (c *Channel) FinishConnect() (bool, error) {
	conn, ok := c.transport.(Connector)
	if !ok {
		return true, nil
	}
	return conn.FinishConnect()
}

// Connect connects the transport to address. In simulated-blocking mode it
// waits, within the configured attempt bound, for the connection and the
// handshake to complete.
func (c *Channel) Connect(ctx context.Context, address string) (bool, error) {
	conn, ok := c.transport.(Connector)
	if !ok {
		return false, ErrNotConnector
	}
	connected, err := conn.Connect(address)
	if err != nil {
		return false, err
	}
	if !c.blocking.Load() {
		return connected, nil
	}
	if !connected {
		if err := c.poll(ctx, conn.FinishConnect); err != nil {
			return false, fmt.Errorf("duplex: connect %s: %w", address, err)
		}
	}
	if err := c.handshakeBlocking(ctx, InterestWrite); err != nil {
		return false, err
	}
	return true, nil
}

// Flush writes queued ciphertext once.
func (c *Channel) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.flush()
}

// Shutdown starts or continues the close sequence: the engine closes its
// outbound half and the close notification is flushed. It reports true once
// the notification left completely and the transport was closed.
func (c *Channel) Shutdown() (bool, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.shutdownLocked()
}

func (c *Channel) shutdownLocked() (bool, error) {
	if !c.shutdown.Swap(true) {
		c.log.Debug("session shutdown started")
	}
	if !c.engine.IsOutboundDone() {
		c.engine.CloseOutbound()
	}

	closed := false
	for i := 0; i < maxShutdownSteps && !closed; i++ {
		c.netOut.Ensure(c.packetSize)
		res, err := c.engine.Wrap(c.empty, c.netOut.Free())
		c.netOut.Commit(res.BytesProduced)
		if err != nil {
			return false, &SessionError{Op: "shutdown", Err: err}
		}
		if err := c.flush(); err != nil {
			return false, err
		}
		switch res.Status {
		case StatusClosed:
			closed = true
		case StatusOverflow:
			c.netOut.Grow(c.packetSize)
		case StatusOK:
		default:
			return false, unexpectedStatus("shutdown", res.Status)
		}
	}
	if !closed {
		return false, unexpectedStatus("shutdown", StatusOK)
	}
	if c.netOut.Len() > 0 {
		return false, nil
	}
	return true, c.closeTransport()
}

// shutdownQuietly runs the close sequence after the peer ended the session.
// Failing to answer with our own close notification is not an error.
func (c *Channel) shutdownQuietly() {
	if _, err := c.Shutdown(); err != nil {
		c.log.WithError(err).Debug("close notification not delivered")
	}
}

// Close shuts the session down and releases the transport. Errors from the
// graceful part are logged and dropped; the transport is always closed.
func (c *Channel) Close() error {
	c.stateMu.Lock()
	if _, err := c.shutdownLocked(); err != nil {
		c.log.WithError(err).Warn("graceful shutdown failed")
	}
	c.stateMu.Unlock()
	return c.closeTransport()
}

func (c *Channel) closeTransport() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
		if cl, ok := c.engine.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				c.log.WithError(err).Debug("engine close failed")
			}
		}
		c.log.Debug("transport closed")
	})
	return c.closeErr
}

func (c *Channel) String() string {
	if s, ok := c.transport.(fmt.Stringer); ok {
		return "duplex.Channel[" + s.String() + "]"
	}
	return fmt.Sprintf("duplex.Channel[%T]", c.transport)
}

// fill performs one raw read into the encrypted input buffer.
func (c *Channel) fill() (eof bool, err error) {
	c.netIn.Ensure(c.packetSize)
	n, err := c.transport.Read(c.netIn.Free())
	if n > 0 {
		c.netIn.Commit(n)
	}
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		c.fail(err)
		return false, err
	}
	return false, nil
}

// flush performs one raw write of the queued ciphertext.
func (c *Channel) flush() error {
	if c.netOut.Len() == 0 {
		return nil
	}
	n, err := c.transport.Write(c.netOut.Bytes())
	if n > 0 {
		c.netOut.Consume(n)
	}
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// fail ends the session after a transport failure.
func (c *Channel) fail(err error) {
	c.engine.CloseInbound()
	c.engine.CloseOutbound()
	c.shutdown.Store(true)
	c.log.WithError(err).Debug("transport failure, session closed")
}

// fatal ends the session after an engine failure.
func (c *Channel) fatal(op string, err error) error {
	var se *SessionError
	if !errors.As(err, &se) {
		err = &SessionError{Op: op, Err: err}
	}
	c.engine.CloseInbound()
	c.engine.CloseOutbound()
	c.shutdown.Store(true)
	c.log.WithError(err).Debug("session failed")
	return err
}

func (c *Channel) runTasks() error {
	for task := c.engine.DelegatedTask(); task != nil; task = c.engine.DelegatedTask() {
		if err := c.cfg.Executor(task); err != nil {
			return c.fatal("delegated task", err)
		}
	}
	return nil
}
