// Package client is the low-level invocation side of the wire contract: it
// encodes an invocation frame, sends it as one message, and for
// synchronous methods decodes the single reply message. It is deliberately
// not a stub generator; callers hand it the RemoteMethod they mean to
// invoke.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dirmi/info"
	"dirmi/transport"
	"dirmi/wire"
)

// ErrNoReply reports a connection that terminated before a synchronous
// reply arrived, for example because the server dropped the invocation.
var ErrNoReply = errors.New("client: connection closed before reply")

// Options configures an Invoker. Zero values select defaults.
type Options struct {
	MaxMessageSize int
	Logger         *zap.Logger
}

// Invoker issues invocations against one remote address, dialing a fresh
// channel per call: one invocation per channel, mirroring the server's
// dispatch model.
type Invoker struct {
	network string
	addr    string
	max     int
	log     *zap.Logger
}

// NewInvoker targets the given address.
func NewInvoker(network, addr string, opts Options) *Invoker {
	if opts.MaxMessageSize < 1 {
		opts.MaxMessageSize = transport.DefaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Invoker{network: network, addr: addr, max: opts.MaxMessageSize, log: opts.Logger}
}

// Call invokes m with the given arguments. For synchronous methods it
// blocks for the reply and returns the decoded return value; a THROWABLE
// reply is returned as a *wire.RemoteException error. For asynchronous
// methods Call returns as soon as the frame is sent; there is no reply to
// wait for.
func (inv *Invoker) Call(m *info.RemoteMethod, args ...any) (any, error) {
	if len(args) != len(m.Params) {
		return nil, fmt.Errorf("client: %s takes %d args, got %d", m.Name, len(m.Params), len(args))
	}

	frame, err := encodeInvocation(m, args)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial(inv.network, inv.addr)
	if err != nil {
		return nil, err
	}
	ch, err := transport.NewMessageChannel(conn, inv.max, nil, inv.log)
	if err != nil {
		return nil, err
	}

	if m.Async {
		err := ch.Send(frame)
		return nil, multierr.Append(err, ch.Close())
	}

	// Register the reply receiver before sending so the reply cannot race
	// the registration.
	rr := &replyReceiver{done: make(chan replyResult, 1)}
	if err := ch.Receive(rr); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Send(frame); err != nil {
		_ = ch.Close()
		return nil, err
	}

	res := <-rr.done
	_ = ch.Close()
	if res.err != nil {
		return nil, res.err
	}

	var ret *wire.ParamSpec
	if m.Ret != nil {
		spec := m.Ret.Spec()
		ret = &spec
	}
	return wire.ReadReply(bytes.NewReader(res.msg), ret)
}

func encodeInvocation(m *info.RemoteMethod, args []any) ([]byte, error) {
	var frame bytes.Buffer
	if err := wire.WriteIdentifier(&frame, m.ID); err != nil {
		return nil, err
	}
	for i, p := range m.Params {
		if err := wire.WriteParam(&frame, p.Spec(), args[i]); err != nil {
			return nil, fmt.Errorf("client: encoding arg %d of %s: %w", i, m.Name, err)
		}
	}
	return frame.Bytes(), nil
}

type replyResult struct {
	msg []byte
	err error
}

// replyReceiver assembles the single reply message.
type replyReceiver struct {
	done chan replyResult
}

func (r *replyReceiver) Receive(state any, totalSize, offset int, chunk []byte) any {
	buf, _ := state.([]byte)
	if buf == nil {
		buf = make([]byte, totalSize)
	}
	copy(buf[offset:], chunk)
	return buf
}

func (r *replyReceiver) Process(state any, _ *transport.MessageChannel) {
	r.done <- replyResult{msg: state.([]byte)}
}

func (r *replyReceiver) Closed(err error) {
	if err == nil {
		err = ErrNoReply
	}
	r.done <- replyResult{err: err}
}
