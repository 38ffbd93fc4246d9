package quic

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	q "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/duplex/duplex"
)

const (
	// MaxBuffered bounds the bytes queued per direction.
	MaxBuffered = 256 << 10

	readChunk    = 32 << 10
	closeTimeout = 2 * time.Second
	linger       = 250 * time.Millisecond
)

// Stream is a non-blocking transport over a QUIC stream. When conn is set,
// closing the stream also closes the connection.
type Stream struct {
	conn   q.Connection
	stream q.Stream
	log    *logrus.Entry

	mu          sync.Mutex
	cond        *sync.Cond
	in          []byte
	inErr       error
	out         []byte
	outErr      error
	writeClosed bool
	closing     bool

	inputShut  atomic.Bool
	outputShut atomic.Bool
	closed     atomic.Bool

	readDone  chan struct{}
	writeDone chan struct{}
}

// NewStream starts the pumps for st.
func NewStream(conn q.Connection, st q.Stream, log *logrus.Entry) *Stream {
	s := &Stream{
		conn:      conn,
		stream:    st,
		log:       logger(log).WithField("stream", st.StreamID()),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, readChunk)
	for {
		n, err := s.stream.Read(buf)
		s.mu.Lock()
		s.in = append(s.in, buf[:n]...)
		if err != nil {
			s.inErr = err
			s.mu.Unlock()
			return
		}
		for len(s.in) >= MaxBuffered && !s.closing {
			s.cond.Wait()
		}
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return
		}
	}
}

func (s *Stream) writeLoop() {
	defer close(s.writeDone)
	for {
		s.mu.Lock()
		for len(s.out) == 0 && !s.writeClosed {
			s.cond.Wait()
		}
		chunk := s.out
		s.out = nil
		s.mu.Unlock()

		if len(chunk) == 0 {
			if err := s.stream.Close(); err != nil {
				s.log.WithError(err).Debug("stream close failed")
			}
			return
		}
		if _, err := s.stream.Write(chunk); err != nil {
			s.mu.Lock()
			s.outErr = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() || s.inputShut.Load() {
		return 0, net.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) > 0 {
		n := copy(p, s.in)
		s.in = s.in[n:]
		if len(s.in) == 0 {
			s.in = nil
		}
		s.cond.Broadcast()
		return n, nil
	}
	if s.inErr != nil {
		if errors.Is(s.inErr, io.EOF) {
			return 0, io.EOF
		}
		return 0, s.inErr
	}
	return 0, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() || s.outputShut.Load() {
		return 0, net.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outErr != nil {
		return 0, s.outErr
	}
	n := len(p)
	if free := MaxBuffered - len(s.out); n > free {
		n = free
	}
	if n <= 0 {
		return 0, nil
	}
	s.out = append(s.out, p[:n]...)
	s.cond.Broadcast()
	return n, nil
}

// CloseRead stops receiving.
func (s *Stream) CloseRead() error {
	s.inputShut.Store(true)
	s.stream.CancelRead(0)
	return nil
}

// CloseWrite sends FIN once the queued bytes left.
func (s *Stream) CloseWrite() error {
	s.outputShut.Store(true)
	s.mu.Lock()
	s.writeClosed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Stream) InputShutdown() bool  { return s.inputShut.Load() }
func (s *Stream) OutputShutdown() bool { return s.outputShut.Load() }

// Close flushes queued bytes, bounded by a timeout, and releases the stream
// and its connection.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.writeClosed = true
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-s.writeDone:
	case <-time.After(closeTimeout):
		s.log.Warn("write queue not drained before close")
		s.stream.CancelWrite(0)
		<-s.writeDone
	}
	s.stream.CancelRead(0)
	<-s.readDone

	if s.conn == nil {
		return nil
	}
	select {
	case <-s.conn.Context().Done():
	case <-time.After(linger):
	}
	return s.conn.CloseWithError(0, "")
}

func (s *Stream) String() string {
	if s.conn == nil {
		return fmt.Sprintf("quic[stream %d]", s.stream.StreamID())
	}
	return fmt.Sprintf("quic[%s stream %d]", s.conn.RemoteAddr(), s.stream.StreamID())
}

var _ duplex.Transport = (*Stream)(nil)
