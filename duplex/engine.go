package duplex

// Status is the outcome of a single Wrap or Unwrap step.
type Status int

const (
	// StatusOK means the step made progress.
	StatusOK Status = iota
	// StatusUnderflow means the engine needs more input bytes.
	StatusUnderflow
	// StatusOverflow means the destination is too small for the next record.
	StatusOverflow
	// StatusClosed means the engine half used by the step is closed.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusOverflow:
		return "BUFFER_OVERFLOW"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus is the engine's handshake phase.
type HandshakeStatus int

const (
	// NotHandshaking is reported before BeginHandshake. Engines that go back
	// to NotHandshaking after completion are treated as finished.
	NotHandshaking HandshakeStatus = iota
	NeedUnwrap
	NeedWrap
	NeedTask
	Finished
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Result reports one Wrap or Unwrap step.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	BytesConsumed   int
	BytesProduced   int
}

// Engine is a step-wise secure session processor.
//
// Wrap consumes plaintext from src and writes records into dst; Unwrap
// consumes records from src and writes plaintext into dst. Neither keeps a
// reference to src or dst after returning. A returned error is a protocol
// failure and ends the session. Implementations must allow one Wrap and one
// Unwrap to run concurrently.
type Engine interface {
	BeginHandshake() error
	HandshakeStatus() HandshakeStatus

	// DelegatedTask returns the next pending task, or nil. Each task is
	// handed out once.
	DelegatedTask() func() error

	Wrap(src, dst []byte) (Result, error)
	Unwrap(src, dst []byte) (Result, error)

	CloseOutbound()
	// CloseInbound is signalled when the transport reached end of stream.
	CloseInbound()
	IsOutboundDone() bool
	IsInboundDone() bool

	// ApplicationBufferSize is the largest plaintext a single record yields.
	ApplicationBufferSize() int
	// PacketBufferSize is the largest record on the wire.
	PacketBufferSize() int
}

// SessionConfig selects the client authentication policy and the peer name
// hint used by engine factories.
type SessionConfig struct {
	ClientAuthWanted   bool
	ClientAuthRequired bool
	ServerName         string
}

// DefaultServerSession wants and requires client authentication.
func DefaultServerSession() SessionConfig {
	return SessionConfig{ClientAuthWanted: true, ClientAuthRequired: true}
}

// EngineFactory creates engines for either side of a session.
type EngineFactory interface {
	ClientEngine(cfg SessionConfig) (Engine, error)
	ServerEngine(cfg SessionConfig) (Engine, error)
}
