package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/cmd/duplexcat/config"
	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/transport/quic"
)

// dialChannel connects to addr and completes the client handshake.
func dialChannel(ctx context.Context, c *config.Config, f duplex.EngineFactory, addr string, log *logrus.Entry) (*duplex.Channel, error) {
	chCfg := c.Channel(log.WithField("role", "client"))
	sess := c.Session(false)

	if c.Transport == config.TransportTCP {
		return dialTCP(ctx, c, f, addr, log)
	}

	st, err := quic.Dial(ctx, addr, log)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	ch, err := duplex.NewClient(st, f, sess, chCfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := ch.CompleteHandshake(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	return ch, nil
}

// acceptChannel listens on addr, accepts one peer and completes the server
// handshake. The returned func releases the listener.
func acceptChannel(ctx context.Context, c *config.Config, f duplex.EngineFactory, addr string, log *logrus.Entry) (*duplex.Channel, func(), error) {
	if c.Transport == config.TransportTCP {
		return acceptTCP(ctx, c, f, addr, log)
	}

	ln, err := quic.Listen(addr, log)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log.WithField("addr", ln.Addr()).Info("listening")
	release := func() { ln.Close() }

	st, err := ln.Accept(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	ch, err := serverHandshake(ctx, c, f, st, log)
	if err != nil {
		release()
		return nil, nil, err
	}
	return ch, release, nil
}

func serverHandshake(ctx context.Context, c *config.Config, f duplex.EngineFactory, t duplex.Transport, log *logrus.Entry) (*duplex.Channel, error) {
	ch, err := duplex.NewServer(t, f, c.Session(true), c.Channel(log.WithField("role", "server")))
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := ch.CompleteHandshake(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("handshake with %s: %w", ch, err)
	}
	return ch, nil
}
