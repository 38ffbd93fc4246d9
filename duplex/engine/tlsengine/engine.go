// Package tlsengine is a TLS 1.3 duplex.Engine built on the step-wise
// handshake API of crypto/tls (tls.QUICConn).
//
// crypto/tls only produces handshake messages and traffic secrets in this
// mode, so the engine carries them in its own records (package record):
// handshake messages at their encryption level, application data and
// alerts at the application level. Records above the initial level are
// protected with keys derived from the traffic secrets.
package tlsengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/crypto"
	"github.com/TheusHen/duplex/duplex/record"
)

const (
	alertLevelWarning = 1
	alertCloseNotify  = 0
)

var (
	ErrUnexpectedRecord = errors.New("tlsengine: unexpected record")
	ErrNoKeys           = errors.New("tlsengine: no keys for record epoch")
	ErrPeerAlert        = errors.New("tlsengine: peer sent alert")
)

type outbound struct {
	level tls.QUICEncryptionLevel
	data  []byte
}

type inbound struct {
	level tls.QUICEncryptionLevel
	data  []byte
}

// Engine is a TLS 1.3 session engine. It is safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	conn   *tls.QUICConn
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	started        bool
	done           bool
	closeRequested bool
	inboundDone    bool
	outboundDone   bool
	running        bool
	task           *inbound
	err            error

	read  [4]*crypto.RecordCipher
	write [4]*crypto.RecordCipher
	out   []outbound
}

// NewClient creates a client engine. cfg must allow TLS 1.3.
func NewClient(cfg *tls.Config, log *logrus.Entry) *Engine {
	return newEngine(tls.QUICClient(&tls.QUICConfig{TLSConfig: cfg}), log)
}

// NewServer creates a server engine.
func NewServer(cfg *tls.Config, log *logrus.Entry) *Engine {
	return newEngine(tls.QUICServer(&tls.QUICConfig{TLSConfig: cfg}), log)
}

func newEngine(conn *tls.QUICConn, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.WithField("component", "tlsengine")
	}
	conn.SetTransportParameters([]byte{})
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

func (e *Engine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true
	if err := e.conn.Start(e.ctx); err != nil {
		return e.fail(err)
	}
	return e.drain()
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
	case e.task != nil || e.running:
		return duplex.NeedTask
	case len(e.out) > 0:
		return duplex.NeedWrap
	case e.done:
		return duplex.Finished
	default:
		return duplex.NeedUnwrap
	}
}

// DelegatedTask returns the processing of the last received handshake
// record, or nil.
func (e *Engine) DelegatedTask() func() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.task
	if t == nil {
		return nil
	}
	e.task = nil
	e.running = true
	return func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.running = false
		return e.handle(t)
	}
}

func (e *Engine) handle(t *inbound) error {
	if e.err != nil {
		return e.err
	}
	if err := e.conn.HandleData(t.level, t.data); err != nil {
		return e.fail(err)
	}
	return e.drain()
}

// drain applies the events queued by crypto/tls.
func (e *Engine) drain() error {
	for {
		ev := e.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret, tls.QUICSetWriteSecret:
			suite, err := crypto.LookupSuite(ev.Suite)
			if err != nil {
				return e.fail(err)
			}
			rc, err := suite.TrafficCipher(ev.Data)
			if err != nil {
				return e.fail(err)
			}
			if ev.Kind == tls.QUICSetReadSecret {
				e.read[ev.Level] = rc
			} else {
				e.write[ev.Level] = rc
			}
			e.log.WithFields(logrus.Fields{
				"level": ev.Level,
				"read":  ev.Kind == tls.QUICSetReadSecret,
			}).Debug("traffic keys installed")
		case tls.QUICWriteData:
			e.out = append(e.out, outbound{level: ev.Level, data: bytes.Clone(ev.Data)})
		case tls.QUICTransportParametersRequired:
			e.conn.SetTransportParameters([]byte{})
		case tls.QUICHandshakeDone:
			e.done = true
			state := e.conn.ConnectionState()
			e.log.WithFields(logrus.Fields{
				"suite": tls.CipherSuiteName(state.CipherSuite),
				"alpn":  state.NegotiatedProtocol,
			}).Debug("tls handshake done")
		}
	}
}

func (e *Engine) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return e.err
}

// runPending processes a handshake record whose task was never collected.
func (e *Engine) runPending() error {
	if e.task == nil {
		return nil
	}
	t := e.task
	e.task = nil
	return e.handle(t)
}

func (e *Engine) result(s duplex.Status, consumed, produced int) duplex.Result {
	return duplex.Result{
		Status:          s,
		HandshakeStatus: e.status(),
		BytesConsumed:   consumed,
		BytesProduced:   produced,
	}
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
	if err := e.runPending(); err != nil {
		return e.result(duplex.StatusClosed, 0, 0), err
	}

	h, payload, n, err := record.Next(src)
	if errors.Is(err, record.ErrIncomplete) {
		return e.result(duplex.StatusUnderflow, 0, 0), nil
	}
	if err != nil {
		return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
	}
	// Only the highest installed read level is accepted, so nothing can be
	// injected below keys the peer already switched to.
	level := tls.QUICEncryptionLevel(h.Epoch)
	if want := e.readLevel(); level != want {
		return e.result(duplex.StatusClosed, 0, 0), e.fail(fmt.Errorf("%w: epoch %d, expected %d", ErrUnexpectedRecord, h.Epoch, want))
	}
	var aad [record.HeaderLen]byte
	copy(aad[:], src)

	switch h.Type {
	case record.TypeHandshake:
		data, err := e.open(nil, level, payload, aad[:])
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		e.task = &inbound{level: level, data: data}
		return e.result(duplex.StatusOK, n, 0), nil

	case record.TypeApplication:
		rc := e.read[level]
		if !e.done || rc == nil || level != tls.QUICEncryptionLevelApplication {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(ErrUnexpectedRecord)
		}
		if len(dst) < len(payload)-rc.Overhead() {
			return e.result(duplex.StatusOverflow, 0, 0), nil
		}
		out, err := rc.Open(dst[:0], payload, aad[:])
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		return e.result(duplex.StatusOK, n, len(out)), nil

	default:
		alert, err := e.open(nil, level, payload, aad[:])
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		if len(alert) != 2 {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(ErrUnexpectedRecord)
		}
		if alert[1] != alertCloseNotify {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(fmt.Errorf("%w: %d", ErrPeerAlert, alert[1]))
		}
		e.inboundDone = true
		e.log.Debug("close_notify received")
		return e.result(duplex.StatusClosed, n, 0), nil
	}
}

// readLevel returns the highest encryption level with read keys.
func (e *Engine) readLevel() tls.QUICEncryptionLevel {
	for l := tls.QUICEncryptionLevelApplication; l > tls.QUICEncryptionLevelInitial; l-- {
		if e.read[l] != nil {
			return l
		}
	}
	return tls.QUICEncryptionLevelInitial
}

func (e *Engine) open(dst []byte, level tls.QUICEncryptionLevel, payload, aad []byte) ([]byte, error) {
	if level == tls.QUICEncryptionLevelInitial {
		return append(dst, payload...), nil
	}
	rc := e.read[level]
	if rc == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoKeys, level)
	}
	return rc.Open(dst, payload, aad)
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
	if err := e.runPending(); err != nil {
		return e.result(duplex.StatusClosed, 0, 0), err
	}

	produced := 0
	for len(e.out) > 0 {
		o := &e.out[0]
		chunk := o.data
		if len(chunk) > record.MaxPlaintext {
			chunk = chunk[:record.MaxPlaintext]
		}
		if len(dst)-produced < e.sealedLen(o.level, len(chunk)) {
			if produced == 0 {
				return e.result(duplex.StatusOverflow, 0, 0), nil
			}
			break
		}
		n, err := e.seal(dst[produced:], record.TypeHandshake, o.level, chunk)
		if err != nil {
			return e.result(duplex.StatusClosed, 0, produced), e.fail(err)
		}
		produced += n
		o.data = o.data[len(chunk):]
		if len(o.data) == 0 {
			e.out = e.out[1:]
		}
	}
	if produced > 0 {
		return e.result(duplex.StatusOK, 0, produced), nil
	}

	if e.closeRequested {
		level := e.writeLevel()
		if len(dst) < e.sealedLen(level, 2) {
			return e.result(duplex.StatusOverflow, 0, 0), nil
		}
		n, err := e.seal(dst, record.TypeAlert, level, []byte{alertLevelWarning, alertCloseNotify})
		if err != nil {
			return e.result(duplex.StatusClosed, 0, 0), e.fail(err)
		}
		e.outboundDone = true
		e.log.Debug("close_notify sent")
		return e.result(duplex.StatusClosed, 0, n), nil
	}
	if !e.done {
		return e.result(duplex.StatusOK, 0, 0), nil
	}

	consumed := 0
	for consumed < len(src) {
		chunk := src[consumed:]
		if len(chunk) > record.MaxPlaintext {
			chunk = chunk[:record.MaxPlaintext]
		}
		if len(dst)-produced < e.sealedLen(tls.QUICEncryptionLevelApplication, len(chunk)) {
			break
		}
		n, err := e.seal(dst[produced:], record.TypeApplication, tls.QUICEncryptionLevelApplication, chunk)
		if err != nil {
			return e.result(duplex.StatusClosed, consumed, produced), e.fail(err)
		}
		produced += n
		consumed += len(chunk)
	}
	if consumed == 0 && len(src) > 0 {
		return e.result(duplex.StatusOverflow, 0, 0), nil
	}
	return e.result(duplex.StatusOK, consumed, produced), nil
}

func (e *Engine) writeLevel() tls.QUICEncryptionLevel {
	for _, l := range []tls.QUICEncryptionLevel{tls.QUICEncryptionLevelApplication, tls.QUICEncryptionLevelHandshake} {
		if e.write[l] != nil {
			return l
		}
	}
	return tls.QUICEncryptionLevelInitial
}

func (e *Engine) sealedLen(level tls.QUICEncryptionLevel, n int) int {
	if wc := e.write[level]; wc != nil {
		n += wc.Overhead()
	}
	return record.HeaderLen + n
}

func (e *Engine) seal(dst []byte, t record.Type, level tls.QUICEncryptionLevel, p []byte) (int, error) {
	size := e.sealedLen(level, len(p))
	record.Header{Type: t, Epoch: uint8(level), Length: size - record.HeaderLen}.Put(dst)
	wc := e.write[level]
	if wc == nil {
		copy(dst[record.HeaderLen:], p)
		return size, nil
	}
	if _, err := wc.Seal(dst[record.HeaderLen:record.HeaderLen], p, dst[:record.HeaderLen]); err != nil {
		return 0, err
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

// ConnectionState returns the negotiated TLS parameters.
func (e *Engine) ConnectionState() tls.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.ConnectionState()
}

// Close releases the handshake state held by crypto/tls.
func (e *Engine) Close() error {
	e.cancel()
	return e.conn.Close()
}

var _ duplex.Engine = (*Engine)(nil)
