package duplex

import "io"

// maxHandshakeSteps bounds the engine steps taken by one Handshake call.
const maxHandshakeSteps = 64

// Handshake drives the handshake using only the I/O directions in ready and
// returns the Interest to wait for before calling again. InterestNone is
// returned once the handshake is complete.
//
// The first call only starts the handshake and hands ready back unchanged.
func (c *Channel) Handshake(ready Interest) (Interest, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.handshakeLocked(ready)
}

func (c *Channel) handshakeLocked(ops Interest) (Interest, error) {
	if c.finished.Load() {
		return InterestNone, nil
	}
	if c.shutdown.Load() {
		return InterestNone, ErrShutdown
	}
	if !c.begun {
		if err := c.engine.BeginHandshake(); err != nil {
			return InterestNone, c.fatal("begin handshake", err)
		}
		c.begun = true
		c.phase = c.engine.HandshakeStatus()
		c.log.WithField("phase", c.phase).Debug("handshake started")
		return ops, nil
	}

	for step := 0; step < maxHandshakeSteps; step++ {
		if c.netOut.Len() > 0 && ops&InterestWrite != 0 {
			ops &^= InterestWrite
			if err := c.flush(); err != nil {
				return InterestNone, err
			}
		}

		c.phase = c.engine.HandshakeStatus()
		switch c.phase {
		case NotHandshaking, Finished:
			if c.netOut.Len() > 0 {
				return c.await(InterestWrite), nil
			}
			c.complete()
			return InterestNone, nil

		case NeedTask:
			if err := c.runTasks(); err != nil {
				return InterestNone, err
			}
			if c.engine.HandshakeStatus() == NeedTask {
				return InterestNone, c.fatal("handshake", unexpectedStatus("delegated task", StatusOK))
			}

		case NeedUnwrap:
			want, err := c.handshakeUnwrap(&ops)
			if err != nil {
				return InterestNone, err
			}
			if want != InterestNone {
				if c.netOut.Len() > 0 {
					want |= InterestWrite
				}
				return c.await(want), nil
			}

		case NeedWrap:
			want, err := c.handshakeWrap(&ops)
			if err != nil {
				return InterestNone, err
			}
			if want != InterestNone {
				return c.await(want), nil
			}
		}
	}
	return InterestNone, c.fatal("handshake", unexpectedStatus("handshake", StatusOK))
}

// handshakeUnwrap feeds buffered input to the engine, reading from the
// transport at most once and only when ops allows it. It returns
// InterestNone when the engine made progress.
func (c *Channel) handshakeUnwrap(ops *Interest) (Interest, error) {
	for {
		if c.netIn.Len() > 0 {
			progressed, err := c.handshakeUnwrapStep()
			if err != nil || progressed {
				return InterestNone, err
			}
		}
		if *ops&InterestRead == 0 {
			return InterestRead, nil
		}
		*ops &^= InterestRead

		before := c.netIn.Len()
		eof, err := c.fill()
		if err != nil {
			return InterestNone, err
		}
		if c.netIn.Len() == before {
			if eof {
				return InterestNone, c.fatal("handshake", io.ErrUnexpectedEOF)
			}
			return InterestRead, nil
		}
	}
}

func (c *Channel) handshakeUnwrapStep() (bool, error) {
	c.plainIn.Ensure(c.appSize)
	res, err := c.engine.Unwrap(c.netIn.Bytes(), c.plainIn.Free())
	c.netIn.Consume(res.BytesConsumed)
	c.netIn.Compact()
	c.plainIn.Commit(res.BytesProduced)
	if err != nil {
		return false, c.fatal("handshake unwrap", err)
	}

	switch res.Status {
	case StatusOK, StatusUnderflow:
		moved := res.BytesConsumed > 0 || res.BytesProduced > 0
		return moved || res.HandshakeStatus != NeedUnwrap, nil
	case StatusOverflow:
		c.plainIn.Grow(c.appSize)
		return true, nil
	default:
		return false, c.fatal("handshake unwrap", unexpectedStatus("handshake unwrap", res.Status))
	}
}

// handshakeWrap collects the engine's handshake output and flushes it when
// ops allows. It returns InterestWrite while output is still queued.
func (c *Channel) handshakeWrap(ops *Interest) (Interest, error) {
	produced := 0
	for i := 0; i < maxHandshakeSteps; i++ {
		c.netOut.Ensure(c.packetSize)
		res, err := c.engine.Wrap(c.empty, c.netOut.Free())
		c.netOut.Commit(res.BytesProduced)
		produced += res.BytesProduced
		if err != nil {
			return InterestNone, c.fatal("handshake wrap", err)
		}

		if res.Status == StatusOverflow {
			c.netOut.Grow(c.packetSize)
			continue
		}
		if res.Status != StatusOK {
			return InterestNone, c.fatal("handshake wrap", unexpectedStatus("handshake wrap", res.Status))
		}
		if res.HandshakeStatus == NeedTask {
			if err := c.runTasks(); err != nil {
				return InterestNone, err
			}
		}
		if res.BytesProduced == 0 || c.engine.HandshakeStatus() != NeedWrap {
			break
		}
	}
	if produced == 0 && c.engine.HandshakeStatus() == NeedWrap {
		return InterestNone, c.fatal("handshake wrap", unexpectedStatus("handshake wrap", StatusOK))
	}

	if c.netOut.Len() == 0 {
		return InterestNone, nil
	}
	if *ops&InterestWrite == 0 {
		return InterestWrite, nil
	}
	*ops &^= InterestWrite
	if err := c.flush(); err != nil {
		return InterestNone, err
	}
	if c.netOut.Len() > 0 {
		return InterestWrite, nil
	}
	return InterestNone, nil
}

func (c *Channel) await(want Interest) Interest {
	c.pending = want
	return want
}

func (c *Channel) complete() {
	c.phase = Finished
	c.pending = InterestNone
	c.finished.Store(true)
	c.log.Debug("handshake finished")
}
