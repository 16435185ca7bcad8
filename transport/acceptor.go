package transport

import (
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// AcceptListener receives the outcome of a single Accept invocation.
// Established delivers the accepted channel; Closed reports an accept
// failure, including the acceptor itself being closed.
type AcceptListener interface {
	Established(ch *MessageChannel)
	Closed(err error)
}

// Acceptor accepts message channels from remote endpoints, one channel per
// Accept call. Re-arming is explicit: the listener calls Accept again for
// the next channel.
type Acceptor struct {
	ln     net.Listener
	max    int
	pool   *Pool
	log    *zap.Logger
	closed atomic.Bool
}

// NewAcceptor binds a listener on the given network address. Accepted
// channels use the given maximum message size, and all callbacks run on
// pool workers.
func NewAcceptor(network, address string, maxMessageSize int, pool *Pool, logger *zap.Logger) (*Acceptor, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acceptor{ln: ln, max: maxMessageSize, pool: pool, log: logger}, nil
}

// Addr returns the local address accepted channels are bound to.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Accept returns immediately and delivers at most one channel to the
// listener asynchronously. Accept failures, including a closed acceptor,
// are delivered through listener.Closed.
func (a *Acceptor) Accept(listener AcceptListener) {
	task := func() {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.closed.Load() {
				err = ErrClosed
			}
			listener.Closed(err)
			return
		}
		ch, err := NewMessageChannel(conn, a.max, a.pool, a.log)
		if err != nil {
			_ = conn.Close()
			listener.Closed(err)
			return
		}
		a.log.Debug("channel accepted",
			zap.String("channel", ch.ID()),
			zap.Stringer("remote", ch.RemoteAddr()))
		listener.Established(ch)
	}
	if a.pool == nil {
		go task()
		return
	}
	if err := a.pool.Submit(task); err != nil {
		listener.Closed(err)
	}
}

// Close prevents further accepts and releases the bound address. Already
// established channels are untouched.
func (a *Acceptor) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.ln.Close()
}
