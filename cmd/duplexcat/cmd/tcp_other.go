//go:build !unix

package cmd

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/cmd/duplexcat/config"
	"github.com/TheusHen/duplex/duplex"
)

var errNoTCP = errors.New("duplexcat: tcp transport needs a unix platform, use --transport quic")

func dialTCP(context.Context, *config.Config, duplex.EngineFactory, string, *logrus.Entry) (*duplex.Channel, error) {
	return nil, errNoTCP
}

func acceptTCP(context.Context, *config.Config, duplex.EngineFactory, string, *logrus.Entry) (*duplex.Channel, func(), error) {
	return nil, nil, errNoTCP
}
