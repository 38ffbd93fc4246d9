package tlsengine

import (
	"crypto/tls"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/duplex"
)

// ALPN is negotiated when a configuration names no protocol of its own.
const ALPN = "duplex/1"

// Factory creates TLS engines from base configurations. The base
// configurations are cloned for every engine and never modified.
type Factory struct {
	Client *tls.Config
	Server *tls.Config
	Logger *logrus.Entry
}

func (f *Factory) ClientEngine(sess duplex.SessionConfig) (duplex.Engine, error) {
	if f.Client == nil {
		return nil, errors.New("tlsengine: no client configuration")
	}
	cfg := prepare(f.Client)
	if sess.ServerName != "" {
		cfg.ServerName = sess.ServerName
	}
	return NewClient(cfg, f.logger("client")), nil
}

func (f *Factory) ServerEngine(sess duplex.SessionConfig) (duplex.Engine, error) {
	if f.Server == nil {
		return nil, errors.New("tlsengine: no server configuration")
	}
	cfg := prepare(f.Server)
	cfg.ClientAuth = clientAuth(sess, cfg.ClientCAs != nil)
	return NewServer(cfg, f.logger("server")), nil
}

func (f *Factory) logger(side string) *logrus.Entry {
	log := f.Logger
	if log == nil {
		log = logrus.WithField("component", "tlsengine")
	}
	return log.WithField("side", side)
}

func prepare(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if cfg.MinVersion < tls.VersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{ALPN}
	}
	cfg.SessionTicketsDisabled = true
	return cfg
}

func clientAuth(sess duplex.SessionConfig, verify bool) tls.ClientAuthType {
	switch {
	case sess.ClientAuthRequired && verify:
		return tls.RequireAndVerifyClientCert
	case sess.ClientAuthRequired:
		return tls.RequireAnyClientCert
	case sess.ClientAuthWanted && verify:
		return tls.VerifyClientCertIfGiven
	case sess.ClientAuthWanted:
		return tls.RequestClientCert
	default:
		return tls.NoClientCert
	}
}

var _ duplex.EngineFactory = (*Factory)(nil)
