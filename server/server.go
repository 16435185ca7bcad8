// Package server composes the runtime: it exports server objects as
// skeletons, accepts message channels, and dispatches each inbound message
// as one invocation.
//
// Channel lifecycle per invocation:
//
//	Accept → Established(channel) → message assembled → route on the
//	frame's leading identifier → interceptors → Skeleton.Invoke
//	  sync:  reply sent as one message, channel closed
//	  async: nothing written, channel re-armed for the next invocation
package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dirmi/registry"
	"dirmi/skeleton"
	"dirmi/transport"
	"dirmi/wire"
)

// DefaultWorkers is the worker pool size when Options leaves it zero,
// matching the reference harness.
const DefaultWorkers = 100

// Options configures a Server. Zero values select defaults.
type Options struct {
	Workers        int
	MaxMessageSize int
	Logger         *zap.Logger
}

type export struct {
	name     string
	skeleton *skeleton.Skeleton
}

// Server exports remote objects and serves invocations against them.
type Server struct {
	mu       sync.Mutex
	exports  map[string]*export
	routes   map[wire.Identifier]*export
	handlers map[wire.Identifier]skeleton.InvokeFunc
	channels map[string]*transport.MessageChannel

	interceptors []skeleton.Interceptor

	acceptor      *transport.Acceptor
	pool          *transport.Pool
	registry      registry.Registry
	advertiseAddr string

	wg       sync.WaitGroup
	shutdown atomic.Bool
	done     chan struct{}
	serveErr error

	maxMessageSize int
	log            *zap.Logger
}

// NewServer creates a server with an empty export table.
func NewServer(opts Options) *Server {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxMessageSize < 1 {
		opts.MaxMessageSize = transport.DefaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		exports:        make(map[string]*export),
		routes:         make(map[wire.Identifier]*export),
		handlers:       make(map[wire.Identifier]skeleton.InvokeFunc),
		channels:       make(map[string]*transport.MessageChannel),
		pool:           transport.NewPool(opts.Workers),
		done:           make(chan struct{}),
		maxMessageSize: opts.MaxMessageSize,
		log:            opts.Logger,
	}
}

// Export makes obj's remotely invocable methods available under name. The
// skeleton factory is resolved through the process-wide cache.
func (s *Server) Export(name string, obj any) error {
	sk, err := skeleton.NewSkeleton(obj)
	if err != nil {
		return err
	}
	f, err := skeleton.FactoryFor(obj)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.exports[name]; dup {
		return fmt.Errorf("server: %q already exported", name)
	}
	e := &export{name: name, skeleton: sk}
	for _, m := range f.RemoteInfo().Methods {
		if prev, clash := s.routes[m.ID]; clash {
			return fmt.Errorf("server: method %s of %q collides with export %q", m.Name, name, prev.name)
		}
	}
	for _, m := range f.RemoteInfo().Methods {
		s.routes[m.ID] = e
		s.handlers[m.ID] = s.buildHandler(e)
	}
	s.exports[name] = e
	return nil
}

// Use appends an interceptor. Interceptors wrap every dispatch in the
// order they were added and must be registered before Serve.
func (s *Server) Use(ic skeleton.Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interceptors = append(s.interceptors, ic)
}

func (s *Server) buildHandler(e *export) skeleton.InvokeFunc {
	return skeleton.Chain(s.interceptors...)(e.skeleton.Invoke)
}

// Serve binds an acceptor on the given address, advertises every export in
// reg (when non-nil) under advertiseAddr, and serves until Shutdown.
// advertiseAddr differs from address when the bind address is not routable
// from peers.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	acceptor, err := transport.NewAcceptor(network, address, s.maxMessageSize, s.pool, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.acceptor = acceptor
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	// Rebuild handlers so interceptors registered before Serve apply.
	for id, e := range s.routes {
		s.handlers[id] = s.buildHandler(e)
	}
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	s.mu.Unlock()

	if reg != nil {
		for _, name := range names {
			if err := reg.Register(name, registry.Endpoint{Addr: advertiseAddr}, 10); err != nil {
				s.log.Warn("registry registration failed", zap.String("name", name), zap.Error(err))
			}
		}
	}

	s.log.Info("serving", zap.Stringer("addr", acceptor.Addr()))
	acceptor.Accept(&channelListener{s: s})

	<-s.done
	return s.serveErr
}

// Addr returns the bound accept address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// channelListener re-arms the acceptor for every accepted channel, the
// one-shot accept contract.
type channelListener struct {
	s *Server
}

func (l *channelListener) Established(ch *transport.MessageChannel) {
	s := l.s
	if s.shutdown.Load() {
		_ = ch.Close()
		return
	}
	s.acceptor.Accept(l)

	s.trackChannel(ch)
	r := &invocationReceiver{s: s, ch: ch}
	if err := ch.Receive(r); err != nil {
		s.untrackChannel(ch)
		_ = ch.Close()
	}
}

func (l *channelListener) Closed(err error) {
	s := l.s
	if s.shutdown.Load() {
		s.finish(nil)
		return
	}
	s.log.Error("accept failed", zap.Error(err))
	s.finish(err)
}

func (s *Server) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		s.serveErr = err
		close(s.done)
	}
}

func (s *Server) trackChannel(ch *transport.MessageChannel) {
	s.mu.Lock()
	s.channels[ch.ID()] = ch
	s.mu.Unlock()
}

func (s *Server) untrackChannel(ch *transport.MessageChannel) {
	s.mu.Lock()
	delete(s.channels, ch.ID())
	s.mu.Unlock()
}

// invocationReceiver assembles one inbound message into a contiguous
// buffer and dispatches it as a single invocation.
type invocationReceiver struct {
	s  *Server
	ch *transport.MessageChannel
}

func (r *invocationReceiver) Receive(state any, totalSize, offset int, chunk []byte) any {
	buf, _ := state.([]byte)
	if buf == nil {
		buf = make([]byte, totalSize)
	}
	copy(buf[offset:], chunk)
	return buf
}

func (r *invocationReceiver) Process(state any, ch *transport.MessageChannel) {
	r.s.dispatch(state.([]byte), ch)
}

func (r *invocationReceiver) Closed(err error) {
	r.s.untrackChannel(r.ch)
	if err != nil {
		r.s.log.Debug("channel closed before invocation", zap.Error(err))
	}
}

// dispatch routes one invocation frame by its leading identifier and runs
// it through the interceptor chain. Errors raised by Invoke — unknown
// method, malformed frame, asynchronous target failure — are logged and
// the channel closed: no reply exists for any of them.
func (s *Server) dispatch(frame []byte, ch *transport.MessageChannel) {
	s.wg.Add(1)
	defer s.wg.Done()

	if len(frame) < wire.IdentifierSize {
		s.log.Warn("short invocation frame", zap.Int("bytes", len(frame)))
		s.closeChannel(ch)
		return
	}
	var id wire.Identifier
	copy(id[:], frame[:wire.IdentifierSize])

	s.mu.Lock()
	handler, ok := s.handlers[id]
	s.mu.Unlock()

	if !ok {
		err := &skeleton.NoSuchMethodError{ID: id}
		s.log.Warn("dropping invocation", zap.Error(err))
		s.closeChannel(ch)
		return
	}

	conn := newMessageConn(frame, ch)
	if err := handler(conn); err != nil {
		s.log.Warn("invocation raised", zap.String("channel", ch.ID()), zap.Error(err))
		s.closeChannel(ch)
		return
	}

	if conn.Done() {
		s.untrackChannel(ch)
		return
	}
	// Asynchronous invocation: the channel stays open and owned by us;
	// re-arm it so the peer can pipeline further invocations.
	if err := ch.Receive(&invocationReceiver{s: s, ch: ch}); err != nil {
		s.closeChannel(ch)
	}
}

func (s *Server) closeChannel(ch *transport.MessageChannel) {
	s.untrackChannel(ch)
	_ = ch.Close()
}

// Shutdown deregisters every export, stops accepting, waits up to timeout
// for in-flight invocations, then closes remaining channels and the pool.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)

	s.mu.Lock()
	reg := s.registry
	advertise := s.advertiseAddr
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	acceptor := s.acceptor
	s.mu.Unlock()

	// Deregister first so peers stop routing new invocations here.
	if reg != nil {
		for _, name := range names {
			if err := reg.Deregister(name, advertise); err != nil {
				s.log.Warn("registry deregistration failed", zap.String("name", name), zap.Error(err))
			}
		}
	}

	var err error
	if acceptor != nil {
		err = acceptor.Close()
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("server: timeout waiting for in-flight invocations"))
	}

	s.mu.Lock()
	channels := make([]*transport.MessageChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*transport.MessageChannel)
	s.mu.Unlock()
	for _, ch := range channels {
		err = multierr.Append(err, ch.Close())
	}

	s.finish(nil)
	s.pool.Close()
	return err
}

// messageConn adapts one assembled invocation message to the skeleton's
// connection contract: the reader serves the frame through a buffered
// reader, writes accumulate in memory, and Close flushes the accumulated
// reply as a single message before closing the channel.
type messageConn struct {
	in   *transport.BufferedReader
	out  bytes.Buffer
	ch   *transport.MessageChannel
	done bool
}

func newMessageConn(frame []byte, ch *transport.MessageChannel) *messageConn {
	return &messageConn{
		in: transport.NewBufferedReader(bytes.NewReader(frame)),
		ch: ch,
	}
}

func (c *messageConn) Reader() io.Reader {
	return c.in
}

func (c *messageConn) Writer() io.Writer {
	return &c.out
}

// Done reports whether the invocation closed the connection (the
// synchronous path).
func (c *messageConn) Done() bool {
	return c.done
}

func (c *messageConn) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	var err error
	if c.out.Len() > 0 {
		err = c.ch.Send(c.out.Bytes())
	}
	return multierr.Append(err, c.ch.Close())
}
