// Package noiseengine is a duplex.Engine running the Noise XX handshake
// (25519, ChaChaPoly, SHA256). Both sides prove a static X25519 key.
package noiseengine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/crypto"
	"github.com/TheusHen/duplex/duplex/record"
)

const (
	epochHandshake = 0
	epochTransport = 1

	tagSize = 16
)

var (
	ErrUnexpectedRecord = errors.New("noiseengine: unexpected record")
	ErrPeerRejected     = errors.New("noiseengine: peer static key rejected")
	ErrPeerAlert        = errors.New("noiseengine: peer sent alert")
)

// Config configures one engine.
type Config struct {
	Static crypto.X25519KeyPair

	// PeerStatic pins the key the peer must prove. Zero accepts any key
	// Accept allows.
	PeerStatic [32]byte
	// Accept vets the peer static key after the handshake. Nil accepts all.
	Accept func(peer [32]byte) bool

	Prologue []byte
	Logger   *logrus.Entry
}

// Engine is a Noise XX session engine. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	log       *logrus.Entry
	initiator bool

	hs      *noise.HandshakeState
	message int
	pending []byte
	send    *noise.CipherState
	recv    *noise.CipherState

	started        bool
	done           bool
	closeRequested bool
	inboundDone    bool
	outboundDone   bool
	err            error
}

// New creates an engine. The initiator sends the first handshake message.
func New(initiator bool, cfg Config) (*Engine, error) {
	var zero [32]byte
	if cfg.Static.PrivateKey == zero {
		kp, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		cfg.Static = kp
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "noiseengine")
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		Prologue:    cfg.Prologue,
		StaticKeypair: noise.DHKey{
			Private: append([]byte(nil), cfg.Static.PrivateKey[:]...),
			Public:  append([]byte(nil), cfg.Static.PublicKey[:]...),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("noiseengine: handshake state: %w", err)
	}
	return &Engine{cfg: cfg, log: cfg.Logger, initiator: initiator, hs: hs}, nil
}

// LocalStatic returns the static public key this engine proves.
func (e *Engine) LocalStatic() [32]byte { return e.cfg.Static.PublicKey }

// PeerStatic returns the peer static key once the handshake revealed it.
func (e *Engine) PeerStatic() ([32]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var k [32]byte
	p := e.hs.PeerStatic()
	if len(p) != len(k) {
		return k, false
	}
	copy(k[:], p)
	return k, true
}

func (e *Engine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return e.err
}

// ourTurn reports whether the next XX message (e / e,ee,s,es / s,se) is
// ours to write.
func (e *Engine) ourTurn() bool {
	return (e.message%2 == 0) == e.initiator
}

func (e *Engine) HandshakeStatus() duplex.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status()
}

func (e *Engine) status() duplex.HandshakeStatus {
	switch {
	case !e.started:
		return duplex.NotHandshaking
	case len(e.pending) > 0:
		return duplex.NeedWrap
	case e.done:
		return duplex.Finished
	case e.ourTurn():
		return duplex.NeedWrap
	default:
		return duplex.NeedUnwrap
	}
}

// DelegatedTask always returns nil: Noise messages are processed inline.
func (e *Engine) DelegatedTask() func() error { return nil }

func (e *Engine) result(s duplex.Status, consumed, produced int) duplex.Result {
	return duplex.Result{
		Status:          s,
		HandshakeStatus: e.status(),
		BytesConsumed:   consumed,
		BytesProduced:   produced,
	}
}

func (e *Engine) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return e.err
}

func (e *Engine) finish(cs1, cs2 *noise.CipherState) error {
	if cs1 == nil || cs2 == nil {
		return nil
	}
	if e.initiator {
		e.send, e.recv = cs1, cs2
	} else {
		e.send, e.recv = cs2, cs1
	}

	var peer [32]byte
	copy(peer[:], e.hs.PeerStatic())
	var zero [32]byte
	if e.cfg.PeerStatic != zero && peer != e.cfg.PeerStatic {
		return ErrPeerRejected
	}
	if e.cfg.Accept != nil && !e.cfg.Accept(peer) {
		return ErrPeerRejected
	}
	e.done = true
	e.log.WithField("peer", fmt.Sprintf("%x", peer[:8])).Debug("noise handshake done")
	return nil
}

func (e *Engine) Unwrap(src, dst []byte) (duplex.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.result(duplex.StatusClosed, 0, 0), e.err
	}
	if e.inboundDone {
		return e.result(duplex.StatusClosed, 0, 0), nil
	}

	h, payload, n, err := record.Next(src)
	if errors.Is(err, record.ErrIncomplete) {
		return e.result(duplex.StatusUnderflow, 0, 0), nil
	}
	if err != nil {
		return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
	}
	var aad [record.HeaderLen]byte
	copy(aad[:], src)

	switch {
	case h.Type == record.TypeHandshake && h.Epoch == epochHandshake:
		if !e.started || e.done || e.ourTurn() {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(ErrUnexpectedRecord)
		}
		_, cs1, cs2, err := e.hs.ReadMessage(nil, payload)
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(fmt.Errorf("noiseengine: read message %d: %w", e.message, err))
		}
		e.message++
		if err := e.finish(cs1, cs2); err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		return e.result(duplex.StatusOK, n, 0), nil

	case h.Type == record.TypeApplication && h.Epoch == epochTransport:
		if !e.done {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(ErrUnexpectedRecord)
		}
		if len(dst) < len(payload)-tagSize {
			return e.result(duplex.StatusOverflow, 0, 0), nil
		}
		out, err := e.recv.Decrypt(dst[:0], aad[:], payload)
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		return e.result(duplex.StatusOK, n, len(out)), nil

	case h.Type == record.TypeAlert:
		alert := payload
		// Plaintext alerts are only valid before transport keys exist.
		want := byte(epochHandshake)
		if e.recv != nil {
			want = epochTransport
		}
		if h.Epoch != want {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(ErrUnexpectedRecord)
		}
		if e.recv != nil {
			if alert, err = e.recv.Decrypt(nil, aad[:], payload); err != nil {
				return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
			}
		}
		if len(alert) != 1 || alert[0] != 0 {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(fmt.Errorf("%w: %v", ErrPeerAlert, alert))
		}
		e.inboundDone = true
		return e.result(duplex.StatusClosed, n, 0), nil

	default:
		return e.result(duplex.StatusClosed, 0, 0), e.fail(ErrUnexpectedRecord)
	}
}

func (e *Engine) Wrap(src, dst []byte) (duplex.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.result(duplex.StatusClosed, 0, 0), e.err
	}
	if e.outboundDone {
		return e.result(duplex.StatusClosed, 0, 0), nil
	}

	if e.started && !e.done && len(e.pending) == 0 && e.ourTurn() {
		msg, cs1, cs2, err := e.hs.WriteMessage(nil, nil)
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(fmt.Errorf("noiseengine: write message %d: %w", e.message, err))
		}
		e.message++
		if e.pending, err = record.Append(nil, record.TypeHandshake, epochHandshake, msg); err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		if err := e.finish(cs1, cs2); err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
	}
	if len(e.pending) > 0 {
		if len(dst) < len(e.pending) {
			return e.result(duplex.StatusOverflow, 0, 0), nil
		}
		n := copy(dst, e.pending)
		e.pending = nil
		return e.result(duplex.StatusOK, 0, n), nil
	}

	if e.closeRequested {
		n, err := e.writeAlert(dst)
		if err != nil || n == 0 {
			return e.result(duplex.StatusOverflow, 0, 0), err
		}
		e.outboundDone = true
		return e.result(duplex.StatusClosed, 0, n), nil
	}
	if !e.done {
		return e.result(duplex.StatusOK, 0, 0), nil
	}

	consumed, produced := 0, 0
	for consumed < len(src) {
		chunk := src[consumed:]
		if len(chunk) > record.MaxPlaintext {
			chunk = chunk[:record.MaxPlaintext]
		}
		size := record.HeaderLen + len(chunk) + tagSize
		if len(dst)-produced < size {
			break
		}
		out := dst[produced:]
		record.Header{Type: record.TypeApplication, Epoch: epochTransport, Length: size - record.HeaderLen}.Put(out)
		if _, err := e.send.Encrypt(out[record.HeaderLen:record.HeaderLen], out[:record.HeaderLen], chunk); err != nil {
			return e.result(duplex.StatusClosed, consumed, produced), e.fail(err)
		}
		produced += size
		consumed += len(chunk)
	}
	if consumed == 0 && len(src) > 0 {
		return e.result(duplex.StatusOverflow, 0, 0), nil
	}
	return e.result(duplex.StatusOK, consumed, produced), nil
}

// writeAlert writes the close alert, encrypted once transport keys exist.
// It returns 0 when dst is too small.
func (e *Engine) writeAlert(dst []byte) (int, error) {
	body := []byte{0}
	if e.send == nil {
		rec, err := record.Append(nil, record.TypeAlert, epochHandshake, body)
		if err != nil || len(dst) < len(rec) {
			return 0, err
		}
		return copy(dst, rec), nil
	}
	size := record.HeaderLen + len(body) + tagSize
	if len(dst) < size {
		return 0, nil
	}
	record.Header{Type: record.TypeAlert, Epoch: epochTransport, Length: size - record.HeaderLen}.Put(dst)
	if _, err := e.send.Encrypt(dst[record.HeaderLen:record.HeaderLen], dst[:record.HeaderLen], body); err != nil {
		return 0, e.fail(err)
	}
	return size, nil
}

func (e *Engine) CloseOutbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		e.outboundDone = true
		return
	}
	e.closeRequested = true
}

func (e *Engine) CloseInbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inboundDone = true
}

func (e *Engine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outboundDone
}

func (e *Engine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inboundDone
}

func (e *Engine) ApplicationBufferSize() int { return record.MaxPlaintext }

func (e *Engine) PacketBufferSize() int { return record.MaxRecord }

var _ duplex.Engine = (*Engine)(nil)
