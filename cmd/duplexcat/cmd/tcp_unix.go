//go:build unix

package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/cmd/duplexcat/config"
	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/transport/tcp"
)

func dialTCP(ctx context.Context, c *config.Config, f duplex.EngineFactory, addr string, log *logrus.Entry) (*duplex.Channel, error) {
	ch, err := duplex.NewClient(tcp.NewUnconnected(c.DialTimeout, log), f, c.Session(false), c.Channel(log.WithField("role", "client")))
	if err != nil {
		return nil, err
	}
	// In blocking mode Connect returns once the handshake finished.
	if _, err := ch.Connect(ctx, addr); err != nil {
		ch.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return ch, nil
}

func acceptTCP(ctx context.Context, c *config.Config, f duplex.EngineFactory, addr string, log *logrus.Entry) (*duplex.Channel, func(), error) {
	ln, err := tcp.Listen(addr, log)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	log.WithField("addr", ln.Addr()).Info("listening")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	conn, err := ln.Accept()
	stop()
	ln.Close()
	if err != nil {
		return nil, nil, err
	}
	ch, err := serverHandshake(ctx, c, f, conn, log)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() {}, nil
}
