package noiseengine

import (
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/crypto"
)

// Factory creates Noise engines sharing one static key.
//
// Clients pin the server key listed under SessionConfig.ServerName in
// KnownHosts. Servers requiring client authentication only accept the keys
// in Authorized, when it is set.
type Factory struct {
	Static     crypto.X25519KeyPair
	KnownHosts map[string][32]byte
	Authorized [][32]byte
	Prologue   []byte
	Logger     *logrus.Entry
}

func (f *Factory) ClientEngine(sess duplex.SessionConfig) (duplex.Engine, error) {
	cfg := f.config("client")
	if k, ok := f.KnownHosts[sess.ServerName]; ok {
		cfg.PeerStatic = k
	}
	return New(true, cfg)
}

func (f *Factory) ServerEngine(sess duplex.SessionConfig) (duplex.Engine, error) {
	cfg := f.config("server")
	if sess.ClientAuthRequired && len(f.Authorized) > 0 {
		allowed := make(map[[32]byte]struct{}, len(f.Authorized))
		for _, k := range f.Authorized {
			allowed[k] = struct{}{}
		}
		cfg.Accept = func(peer [32]byte) bool {
			_, ok := allowed[peer]
			return ok
		}
	}
	return New(false, cfg)
}

func (f *Factory) config(side string) Config {
	log := f.Logger
	if log == nil {
		log = logrus.WithField("component", "noiseengine")
	}
	return Config{
		Static:   f.Static,
		Prologue: f.Prologue,
		Logger:   log.WithField("side", side),
	}
}

var _ duplex.EngineFactory = (*Factory)(nil)
