package duplex

import (
	"context"
	"time"
)

// maxBurst bounds the handshake calls made between two ticks.
const maxBurst = 8

// poll calls try until it reports done, fails, ctx ends or the attempt
// bound is reached. Waits between attempts are ticker driven.
func (c *Channel) poll(ctx context.Context, try func() (bool, error)) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		done, err := try()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return ErrAttemptsExhausted
}

// handshakeBlocking drives the handshake to completion. Only calls that
// leave the needed interest unchanged wait for the next tick.
func (c *Channel) handshakeBlocking(ctx context.Context, ready Interest) error {
	last := Interest(-1)
	return c.poll(ctx, func() (bool, error) {
		for i := 0; i < maxBurst; i++ {
			want, err := c.Handshake(ready)
			if err != nil {
				return false, err
			}
			if c.finished.Load() {
				return true, nil
			}
			ready = interestBoth
			if want == last {
				return false, nil
			}
			last = want
		}
		return false, nil
	})
}

// CompleteHandshake runs the handshake to completion, waiting within the
// configured attempt bound. It works in both modes.
func (c *Channel) CompleteHandshake(ctx context.Context) error {
	if c.finished.Load() {
		return nil
	}
	if err := c.handshakeBlocking(ctx, interestBoth); err != nil {
		return err
	}
	return c.Flush()
}
