package duplex_test

import (
	"errors"
	"sync"

	"github.com/TheusHen/duplex/duplex"
	"github.com/TheusHen/duplex/duplex/record"
)

// scriptedEngine is a plaintext engine with a two-message handshake. The
// server processes the client hello in a delegated task. Records carry
// at most maxPlain bytes while the advertised plaintext hint can be
// smaller, so reads exercise buffer growth.
type scriptedEngine struct {
	mu       sync.Mutex
	client   bool
	maxPlain int
	appHint  int

	phase        duplex.HandshakeStatus
	task         bool
	tasksRun     int
	closeReq     bool
	inboundDone  bool
	outboundDone bool

	// forceUnwrap makes every data-phase Unwrap report this status.
	forceUnwrap *duplex.Status
}

func newScripted(client bool) *scriptedEngine {
	return &scriptedEngine{client: client, maxPlain: 64, appHint: 64, phase: duplex.NotHandshaking}
}

type scriptedFactory struct {
	maxPlain, appHint int
}

func (f scriptedFactory) ClientEngine(duplex.SessionConfig) (duplex.Engine, error) {
	e := newScripted(true)
	f.apply(e)
	return e, nil
}

func (f scriptedFactory) ServerEngine(duplex.SessionConfig) (duplex.Engine, error) {
	e := newScripted(false)
	f.apply(e)
	return e, nil
}

func (f scriptedFactory) apply(e *scriptedEngine) {
	if f.maxPlain > 0 {
		e.maxPlain = f.maxPlain
	}
	if f.appHint > 0 {
		e.appHint = f.appHint
	}
}

var hello = []byte("hello")

func (e *scriptedEngine) BeginHandshake() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client {
		e.phase = duplex.NeedWrap
	} else {
		e.phase = duplex.NeedUnwrap
	}
	return nil
}

func (e *scriptedEngine) HandshakeStatus() duplex.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *scriptedEngine) DelegatedTask() func() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.task {
		return nil
	}
	e.task = false
	return func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.tasksRun++
		e.phase = duplex.NeedWrap
		return nil
	}
}

func (e *scriptedEngine) res(s duplex.Status, c, p int) duplex.Result {
	return duplex.Result{Status: s, HandshakeStatus: e.phase, BytesConsumed: c, BytesProduced: p}
}

func (e *scriptedEngine) Unwrap(src, dst []byte) (duplex.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inboundDone {
		return e.res(duplex.StatusClosed, 0, 0), nil
	}
	if e.forceUnwrap != nil && e.phase == duplex.Finished {
		return e.res(*e.forceUnwrap, 0, 0), nil
	}
	h, payload, n, err := record.Next(src)
	if errors.Is(err, record.ErrIncomplete) {
		return e.res(duplex.StatusUnderflow, 0, 0), nil
	}
	if err != nil {
		return e.res(duplex.StatusClosed, 0, 0), err
	}
	switch h.Type {
	case record.TypeHandshake:
		if e.phase != duplex.NeedUnwrap {
			return e.res(duplex.StatusClosed, 0, 0), errors.New("scripted: unexpected hello")
		}
		if e.client {
			e.phase = duplex.Finished
		} else {
			e.phase = duplex.NeedTask
			e.task = true
		}
		return e.res(duplex.StatusOK, n, 0), nil
	case record.TypeApplication:
		if len(dst) < len(payload) {
			return e.res(duplex.StatusOverflow, 0, 0), nil
		}
		return e.res(duplex.StatusOK, n, copy(dst, payload)), nil
	default:
		e.inboundDone = true
		return e.res(duplex.StatusClosed, n, 0), nil
	}
}

func (e *scriptedEngine) Wrap(src, dst []byte) (duplex.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outboundDone {
		return e.res(duplex.StatusClosed, 0, 0), nil
	}
	if e.phase == duplex.NeedWrap {
		if len(dst) < record.HeaderLen+len(hello) {
			return e.res(duplex.StatusOverflow, 0, 0), nil
		}
		rec, _ := record.Append(nil, record.TypeHandshake, 0, hello)
		if e.client {
			e.phase = duplex.NeedUnwrap
		} else {
			e.phase = duplex.Finished
		}
		return e.res(duplex.StatusOK, 0, copy(dst, rec)), nil
	}
	if e.closeReq {
		if len(dst) < record.HeaderLen {
			return e.res(duplex.StatusOverflow, 0, 0), nil
		}
		rec, _ := record.Append(nil, record.TypeAlert, 0, nil)
		e.outboundDone = true
		return e.res(duplex.StatusClosed, 0, copy(dst, rec)), nil
	}
	if e.phase != duplex.Finished {
		return e.res(duplex.StatusOK, 0, 0), nil
	}

	consumed, produced := 0, 0
	for consumed < len(src) {
		chunk := src[consumed:]
		if len(chunk) > e.maxPlain {
			chunk = chunk[:e.maxPlain]
		}
		if len(dst)-produced < record.HeaderLen+len(chunk) {
			break
		}
		rec, _ := record.Append(nil, record.TypeApplication, 1, chunk)
		produced += copy(dst[produced:], rec)
		consumed += len(chunk)
	}
	if consumed == 0 && len(src) > 0 {
		return e.res(duplex.StatusOverflow, 0, 0), nil
	}
	return e.res(duplex.StatusOK, consumed, produced), nil
}

func (e *scriptedEngine) CloseOutbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == duplex.NotHandshaking {
		e.outboundDone = true
	}
	e.closeReq = true
}

func (e *scriptedEngine) CloseInbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inboundDone = true
}

func (e *scriptedEngine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outboundDone
}

func (e *scriptedEngine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inboundDone
}

func (e *scriptedEngine) ApplicationBufferSize() int { return e.appHint }

func (e *scriptedEngine) PacketBufferSize() int { return record.HeaderLen + e.appHint }
