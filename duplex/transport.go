package duplex

import "io"

// Interest is a set of readiness directions.
type Interest int

const (
	InterestNone  Interest = 0
	InterestRead  Interest = 1 << 0
	InterestWrite Interest = 1 << 2

	interestBoth = InterestRead | InterestWrite
)

func (i Interest) String() string {
	switch i {
	case InterestNone:
		return "none"
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	case interestBoth:
		return "read|write"
	default:
		return "invalid"
	}
}

// Transport is a non-blocking byte stream.
//
// Read returns (0, nil) when nothing is available and io.EOF at end of
// stream. Write may accept fewer bytes than offered, including none.
type Transport interface {
	io.ReadWriteCloser

	InputShutdown() bool
	OutputShutdown() bool
}

// Connector is implemented by transports that establish their own
// connection. Connect starts connecting and reports whether it already
// completed; FinishConnect reports completion without blocking.
// IsConnectionPending is true between a Connect that did not complete and
// the FinishConnect that completes it.
type Connector interface {
	Connect(address string) (bool, error)
	FinishConnect() (bool, error)
	IsConnected() bool
	IsConnectionPending() bool
}

// nonblocker is implemented by transports with a switchable mode. The
// Channel only ever switches them to non-blocking.
type nonblocker interface {
	SetNonblocking(nonblocking bool) error
}
