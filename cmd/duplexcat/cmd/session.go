package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/cmd/duplexcat/config"
	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/crypto"
	"github.com/TheusHen/duplex/duplex/engine/noiseengine"
	"github.com/TheusHen/duplex/duplex/engine/tlsengine"
)

const copyBufferSize = 16 << 10

// engineFactory builds the engine factory selected by the configuration.
func engineFactory(c *config.Config, log *logrus.Entry) (duplex.EngineFactory, error) {
	if c.Engine == config.EngineNoise {
		return noiseFactory(c, log)
	}
	return tlsFactory(c, log)
}

func tlsFactory(c *config.Config, log *logrus.Entry) (*tlsengine.Factory, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if c.TLS.Cert != "" {
		cert, err = tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	} else {
		cert, err = tlsengine.SelfSigned(c.ServerName)
	}
	if err != nil {
		return nil, fmt.Errorf("tls certificate: %w", err)
	}

	client := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: c.TLS.Insecure,
	}
	server := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.TLS.CA != "" {
		pem, err := os.ReadFile(c.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca: no certificates in %s", c.TLS.CA)
		}
		client.RootCAs = pool
		server.ClientCAs = pool
	}
	return &tlsengine.Factory{Client: client, Server: server, Logger: log}, nil
}

func noiseFactory(c *config.Config, log *logrus.Entry) (*noiseengine.Factory, error) {
	f := &noiseengine.Factory{
		KnownHosts: make(map[string][32]byte, len(c.Noise.KnownHosts)),
		Logger:     log,
	}

	var err error
	if c.Noise.PrivateKey != "" {
		raw, derr := hex.DecodeString(c.Noise.PrivateKey)
		if derr != nil {
			return nil, fmt.Errorf("noise private key: %w", derr)
		}
		f.Static, err = crypto.X25519FromPrivate(raw)
	} else {
		f.Static, err = crypto.GenerateX25519()
	}
	if err != nil {
		return nil, fmt.Errorf("noise private key: %w", err)
	}
	log.WithField("static", hex.EncodeToString(f.Static.PublicKey[:])).Info("noise static key")

	for host, s := range c.Noise.KnownHosts {
		k, err := crypto.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("noise known host %s: %w", host, err)
		}
		f.KnownHosts[host] = k
	}
	for _, s := range c.Noise.Authorized {
		k, err := crypto.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("noise authorized key: %w", err)
		}
		f.Authorized = append(f.Authorized, k)
	}
	return f, nil
}

// pipe copies in to the channel and the channel to out until one
// direction ends, then closes the channel.
func pipe(ctx context.Context, ch *duplex.Channel, in io.Reader, out io.Writer, poll time.Duration) error {
	errc := make(chan error, 2)
	go func() { errc <- send(ch, in, poll) }()
	go func() { errc <- receive(ch, out) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := ch.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// send writes everything read from in and ends the session with a close
// notification at end of input.
func send(ch *duplex.Channel, in io.Reader, poll time.Duration) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := in.Read(buf)
		for off := 0; off < n; {
			w, err := ch.Write(buf[off:n])
			off += w
			if err != nil && !errors.Is(err, duplex.ErrAttemptsExhausted) {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return shutdown(ch, poll)
		}
		if rerr != nil {
			return rerr
		}
	}
}

func shutdown(ch *duplex.Channel, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for i := 0; i < duplex.DefaultMaxAttempts; i++ {
		done, err := ch.Shutdown()
		if err != nil || done {
			return err
		}
		<-ticker.C
	}
	return duplex.ErrAttemptsExhausted
}

// receive copies decrypted data to out until either side ends the session.
// Idle periods longer than the attempt bound are not errors.
func receive(ch *duplex.Channel, out io.Writer) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil, errors.Is(err, duplex.ErrAttemptsExhausted):
		case errors.Is(err, io.EOF), errors.Is(err, duplex.ErrClosedChannel), errors.Is(err, net.ErrClosed):
			return nil
		default:
			return err
		}
	}
}
