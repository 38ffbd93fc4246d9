package duplex

import (
	"errors"
	"io"
	"time"
)

// next tells Read and Write what to do after releasing the shared lock.
type next int

const (
	nextNone next = iota
	nextHandshake
	nextShutdown
)

// Read reads decrypted bytes into p. See the package documentation for the
// non-blocking contract.
func (c *Channel) Read(p []byte) (int, error) {
	if c.blocking.Load() {
		return c.readBlocking(p)
	}
	return c.read(p)
}

func (c *Channel) read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	n, step, err := c.readData(p)
	switch step {
	case nextHandshake:
		_, err = c.Handshake(interestBoth)
		return 0, err
	case nextShutdown:
		c.shutdownQuietly()
		return 0, io.EOF
	}
	return n, err
}

func (c *Channel) readData(p []byte) (int, next, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.plainIn.Len() > 0 {
		return c.plainIn.Read(p), nextNone, nil
	}
	if c.transport.InputShutdown() {
		return 0, nextNone, ErrClosedChannel
	}
	if !c.finished.Load() {
		return 0, nextHandshake, nil
	}
	if c.shutdown.Load() {
		return 0, nextShutdown, nil
	}
	if c.engine.IsInboundDone() {
		return 0, nextNone, io.EOF
	}

	eof, err := c.fill()
	if err != nil {
		return 0, nextNone, err
	}
	if c.netIn.Len() == 0 {
		if eof {
			c.engine.CloseInbound()
			return 0, nextNone, io.EOF
		}
		return 0, nextNone, nil
	}

	produced, closed, err := c.unwrap()
	if eof {
		c.engine.CloseInbound()
	}
	if err != nil {
		return 0, nextNone, err
	}
	if closed {
		if produced == 0 {
			return 0, nextShutdown, nil
		}
		// Hand out what arrived before the close; the next Read ends it.
		c.shutdown.Store(true)
	}
	if produced == 0 && eof {
		return 0, nextNone, io.EOF
	}
	return c.plainIn.Read(p), nextNone, nil
}

// unwrap decrypts as much of the encrypted input as the engine accepts.
func (c *Channel) unwrap() (produced int, closed bool, err error) {
	for c.netIn.Len() > 0 {
		c.plainIn.Ensure(c.appSize)
		res, err := c.engine.Unwrap(c.netIn.Bytes(), c.plainIn.Free())
		c.netIn.Consume(res.BytesConsumed)
		c.netIn.Compact()
		c.plainIn.Commit(res.BytesProduced)
		produced += res.BytesProduced
		if err != nil {
			return produced, false, c.fatal("unwrap", err)
		}

		switch res.Status {
		case StatusOK:
		case StatusUnderflow:
			if res.HandshakeStatus == NeedTask {
				return produced, false, c.runTasks()
			}
			return produced, false, nil
		case StatusOverflow:
			c.plainIn.Grow(c.appSize)
			continue
		case StatusClosed:
			return produced, true, nil
		default:
			return produced, false, c.fatal("unwrap", unexpectedStatus("unwrap", res.Status))
		}

		if res.HandshakeStatus == NeedTask {
			if err := c.runTasks(); err != nil {
				return produced, false, err
			}
		}
		if res.BytesConsumed == 0 && res.BytesProduced == 0 {
			break
		}
	}
	return produced, false, nil
}

// ReadBuffers reads into each buffer in turn and stops at the first one it
// could not fill. End of stream and an exhausted attempt bound are reported
// only when nothing was read.
func (c *Channel) ReadBuffers(bufs [][]byte) (int64, error) {
	var total int64
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := c.Read(b)
		total += int64(n)
		if err != nil {
			if total > 0 && shortCount(err) {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// Write encrypts p and returns the number of plaintext bytes the engine
// accepted. It returns 0 while the handshake is still running.
func (c *Channel) Write(p []byte) (int, error) {
	if c.blocking.Load() {
		return c.writeBlocking(p)
	}
	return c.write(p)
}

func (c *Channel) write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, step, err := c.writeData(p)
	switch step {
	case nextHandshake:
		_, err = c.Handshake(interestBoth)
		return 0, err
	case nextShutdown:
		if _, serr := c.Shutdown(); serr != nil {
			c.log.WithError(serr).Debug("shutdown after write failed")
		}
	}
	return n, err
}

func (c *Channel) writeData(p []byte) (int, next, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.transport.OutputShutdown() {
		return 0, nextNone, ErrClosedChannel
	}
	if !c.finished.Load() {
		return 0, nextHandshake, nil
	}
	if c.shutdown.Load() {
		return 0, nextShutdown, ErrShutdown
	}
	if err := c.flush(); err != nil {
		return 0, nextNone, err
	}

	n := 0
wrap:
	for n < len(p) && c.netOut.Len() < c.cfg.MaxPendingOutput {
		c.netOut.Ensure(c.packetSize)
		res, err := c.engine.Wrap(p[n:], c.netOut.Free())
		c.netOut.Commit(res.BytesProduced)
		n += res.BytesConsumed
		if err != nil {
			return n, nextNone, c.fatal("wrap", err)
		}

		switch res.Status {
		case StatusOK:
			if res.HandshakeStatus == NeedTask {
				if err := c.runTasks(); err != nil {
					return n, nextNone, err
				}
			}
			if res.BytesConsumed == 0 && res.BytesProduced == 0 {
				break wrap
			}
		case StatusOverflow:
			need := len(p) - n
			if need < c.packetSize {
				need = c.packetSize
			}
			c.netOut.Grow(need)
		case StatusClosed:
			return n, nextShutdown, ErrWriteAfterClose
		default:
			return n, nextNone, c.fatal("wrap", unexpectedStatus("wrap", res.Status))
		}
	}

	if err := c.flush(); err != nil {
		return n, nextNone, err
	}
	return n, nextNone, nil
}

// WriteBuffers writes each buffer in turn and stops at the first one that
// was not fully accepted. An exhausted attempt bound after some bytes were
// accepted is reported as a short count.
func (c *Channel) WriteBuffers(bufs [][]byte) (int64, error) {
	var total int64
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := c.Write(b)
		total += int64(n)
		if err != nil {
			if total > 0 && errors.Is(err, ErrAttemptsExhausted) {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// shortCount reports errors that end a vectored read early without
// failing it once some bytes were delivered.
func shortCount(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrAttemptsExhausted)
}

// readBlocking retries a non-blocking read until it yields data, an error
// or end of stream, within the attempt bound.
func (c *Channel) readBlocking(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		n, err := c.read(p)
		if n > 0 || err != nil {
			return n, err
		}
		<-ticker.C
	}
	return 0, ErrAttemptsExhausted
}

// writeBlocking retries until p was accepted and the ciphertext left for
// the transport, within the attempt bound. Once all of p was accepted the
// write succeeds even if ciphertext is still queued; Flush sends the rest.
func (c *Channel) writeBlocking(p []byte) (int, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	total := 0
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		progressed := false
		if total < len(p) {
			n, err := c.write(p[total:])
			total += n
			if err != nil {
				return total, err
			}
			progressed = n > 0
		} else {
			before := c.Encrypted()
			if err := c.Flush(); err != nil {
				return total, err
			}
			progressed = c.Encrypted() < before
		}
		if total == len(p) && c.Encrypted() == 0 {
			return total, nil
		}
		if !progressed {
			<-ticker.C
		}
	}
	if total == len(p) {
		return total, nil
	}
	return total, ErrAttemptsExhausted
}
