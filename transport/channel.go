// Package transport implements the asynchronous message layer: fixed
// maximum-size messages framed over a byte transport, FIFO receiver
// dispatch, a one-shot acceptor, a buffered reader, and the bounded worker
// pool everything runs on.
//
// Message framing is a 4-byte big-endian payload length followed by the
// payload. The length is validated against the channel's maximum message
// size on both send and receive.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is the bidirectional byte transport a channel owns. net.Conn
// satisfies it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// ErrInvalidMessageSize reports a send of less than one byte or more than
// the channel's maximum message size.
var ErrInvalidMessageSize = errors.New("transport: invalid message size")

// ErrNilReceiver reports a nil receiver passed to Receive.
var ErrNilReceiver = errors.New("transport: nil receiver")

// frameHeaderSize is the length-prefix size of the message framing.
const frameHeaderSize = 4

// DefaultMaxMessageSize is used when a channel is built without an
// explicit maximum.
const DefaultMaxMessageSize = 1 << 16

// receiveChunkSize bounds the buffer slices handed to Receiver.Receive, so
// a large message is delivered incrementally instead of via one allocation
// per chunk cycle.
const receiveChunkSize = 4096

// Receiver consumes one inbound message. Receive is called one or more
// times with successive chunks covering [0, totalSize); the returned
// accumulator is threaded back in as state. Process is called exactly once
// after the final chunk. Closed is called exactly once, instead of Process,
// if the channel terminates while the receiver is still queued or
// mid-message; err is nil for a clean local close.
type Receiver interface {
	Receive(state any, totalSize, offset int, chunk []byte) any
	Process(state any, ch *MessageChannel)
	Closed(err error)
}

// MessageChannel delivers fixed maximum-size messages over a byte
// transport. Sends are serialized and atomic per message; receivers are
// dispatched strictly in registration order, one message fully drained
// before the next begins. Closing the channel closes the transport.
type MessageChannel struct {
	id   string
	conn Conn
	in   *BufferedReader
	max  int
	log  *zap.Logger

	sendMu sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	receivers []Receiver
	closed    bool
	closeErr  error
}

// NewMessageChannel wraps conn. The read loop runs on a pool worker for
// the life of the channel; when pool is nil a dedicated goroutine is used.
func NewMessageChannel(conn Conn, maxMessageSize int, pool *Pool, logger *zap.Logger) (*MessageChannel, error) {
	if maxMessageSize < 1 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &MessageChannel{
		id:   uuid.NewString(),
		conn: conn,
		in:   NewBufferedReader(conn),
		max:  maxMessageSize,
		log:  logger,
	}
	c.cond = sync.NewCond(&c.mu)

	run := func() { c.readLoop() }
	if pool == nil {
		go run()
	} else if err := pool.Submit(run); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// ID returns the channel's unique identity, used for log correlation.
func (c *MessageChannel) ID() string {
	return c.id
}

// MaxMessageSize returns the constant maximum message payload size.
func (c *MessageChannel) MaxMessageSize() int {
	return c.max
}

// LocalAddr returns the transport's local address.
func (c *MessageChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the transport's remote address.
func (c *MessageChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send transmits p as a single message. Concurrent senders are serialized;
// a peer never observes a partial message. Send blocks while the transport
// applies write backpressure.
func (c *MessageChannel) Send(p []byte) error {
	if len(p) < 1 || len(p) > c.max {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrInvalidMessageSize, len(p), c.max)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	// One buffer, one Write: the frame reaches the transport whole.
	frame := make([]byte, frameHeaderSize+len(p))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(p)))
	copy(frame[frameHeaderSize:], p)
	if _, err := c.conn.Write(frame); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Receive enqueues a receiver for the next undelivered inbound message.
// It never blocks. Receivers are consumed in FIFO order: the Nth enqueued
// receiver observes the Nth inbound message.
func (c *MessageChannel) Receive(r Receiver) error {
	if r == nil {
		return ErrNilReceiver
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()
	c.cond.Signal()
	return nil
}

// Close terminates both directions without sending any frame. Pending
// receivers observe Closed exactly once; blocked senders fail with
// ErrClosed. Idempotent.
func (c *MessageChannel) Close() error {
	return c.closeWith(nil)
}

func (c *MessageChannel) closeWith(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = cause
	pending := c.receivers
	c.receivers = nil
	c.mu.Unlock()
	c.cond.Broadcast()

	// Transport first: a reader blocked inside the buffered reader holds
	// its lock until the transport close unblocks it. The buffered reader
	// wraps the same transport, so its close only marks it closed; the
	// transport's second-close error is not reported.
	err := c.conn.Close()
	_ = c.in.Close()

	for _, r := range pending {
		r.Closed(cause)
	}
	if cause != nil {
		c.log.Debug("channel closed", zap.String("channel", c.id), zap.Error(cause))
	}
	return err
}

func (c *MessageChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// nextReceiver blocks until a receiver is queued or the channel closes.
func (c *MessageChannel) nextReceiver() Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.receivers) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.receivers) == 0 {
		return nil
	}
	r := c.receivers[0]
	c.receivers = c.receivers[1:]
	return r
}

// readLoop drains inbound messages for the life of the channel: one frame
// header, then the payload streamed in chunks to the head receiver, then
// exactly one Process call, strictly in order.
func (c *MessageChannel) readLoop() {
	chunk := make([]byte, min(c.max, receiveChunkSize))
	var hdr [frameHeaderSize]byte

	for {
		if _, err := io.ReadFull(c.in, hdr[:]); err != nil {
			_ = c.closeWith(terminalError(err))
			return
		}
		total := int(binary.BigEndian.Uint32(hdr[:]))
		if total < 1 || total > c.max {
			_ = c.closeWith(fmt.Errorf("%w: inbound message of %d bytes, limit %d",
				ErrInvalidMessageSize, total, c.max))
			return
		}

		r := c.nextReceiver()
		if r == nil {
			// Closed while waiting; bytes die with the transport.
			return
		}

		var state any
		offset := 0
		for offset < total {
			n := min(len(chunk), total-offset)
			if _, err := io.ReadFull(c.in, chunk[:n]); err != nil {
				err = terminalError(err)
				_ = c.closeWith(err)
				r.Closed(err)
				return
			}
			state = r.Receive(state, total, offset, chunk[:n])
			offset += n
		}
		r.Process(state, c)
	}
}

// terminalError normalizes read-loop termination: a local close or a clean
// peer close (io.EOF) surfaces as nil, a truncated read as
// io.ErrUnexpectedEOF, everything else as the transport error.
func terminalError(err error) error {
	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
