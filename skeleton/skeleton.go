// Package skeleton implements the server-side dispatcher for remote
// invocations: a hash-indexed method table built from a RemoteInfo, a
// reentrant Skeleton that decodes one invocation frame and invokes the
// target, and a weak-valued factory cache keyed by server type.
package skeleton

import (
	"fmt"
	"io"
	"reflect"

	"dirmi/info"
	"dirmi/wire"
)

// Conn is the connection a single invocation is served on: a reader half
// carrying the invocation frame and a writer half for the reply.
type Conn interface {
	Reader() io.Reader
	Writer() io.Writer
	Close() error
}

// Skeleton dispatches invocation frames against one server instance. It is
// immutable after construction and reentrant provided each Invoke call gets
// its own connection.
type Skeleton struct {
	server reflect.Value
	table  *MethodTable
}

// Table returns the skeleton's method table.
func (s *Skeleton) Table() *MethodTable {
	return s.table
}

// Invoke reads one invocation off conn, invokes the target method, and
// handles the reply.
//
// Synchronous methods: on success the reply frame is written and the
// connection closed; on target failure a THROWABLE frame is written and the
// connection closed, and Invoke returns nil. Asynchronous methods: any
// return value is discarded, nothing is written, the connection stays open
// (the target may have taken it over), and a target failure is raised as a
// *AsyncInvocationError.
//
// An unknown method identifier raises *NoSuchMethodError without writing
// anything; closing or recovering the connection is then the caller's
// responsibility.
func (s *Skeleton) Invoke(conn Conn) error {
	r := conn.Reader()

	id, err := wire.ReadIdentifier(r)
	if err != nil {
		return err
	}
	entry, err := s.table.Lookup(id)
	if err != nil {
		return err
	}
	return entry.invoke(s.server, conn, r)
}

// invoke decodes the entry's parameters from r, calls the target on server,
// and applies the sync or async reply rules.
func (e *DispatchEntry) invoke(server reflect.Value, conn Conn, r io.Reader) error {
	args := make([]reflect.Value, 0, len(e.method.Params))
	for _, p := range e.method.Params {
		v, err := wire.ReadParam(r, p.Spec())
		if err != nil {
			return err
		}
		rv := reflect.ValueOf(v)
		if rv.Type() != p.GoType {
			rv = rv.Convert(p.GoType)
		}
		args = append(args, rv)
	}

	results, callErr := e.call(server, args)

	if e.Async {
		// Returns, if any, are dropped. The caller owns the connection.
		if callErr != nil {
			return &AsyncInvocationError{Cause: callErr}
		}
		return nil
	}

	w := conn.Writer()
	if callErr != nil {
		werr := wire.WriteThrowable(w, callErr)
		cerr := conn.Close()
		if werr != nil {
			return werr
		}
		return cerr
	}

	var werr error
	switch {
	case e.method.Ret == nil:
		werr = wire.WriteOK(w)
	case e.method.Ret.Tag == wire.TagBool:
		werr = wire.WriteOKBool(w, results[0].Bool())
	default:
		if werr = wire.WriteOK(w); werr == nil {
			werr = wire.WriteParam(w, e.method.Ret.Spec(), results[0].Interface())
		}
	}
	cerr := conn.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// call invokes the bound method, converting a panic in the target into an
// error so a misbehaving server cannot take down the dispatch worker.
func (e *DispatchEntry) call(server reflect.Value, args []reflect.Value) (results []reflect.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if recErr, ok := rec.(error); ok {
				err = recErr
			} else {
				err = fmt.Errorf("panic: %v", rec)
			}
		}
	}()

	results = server.Method(e.method.Index).Call(args)

	if !e.Async && len(results) > 0 {
		last := results[len(results)-1]
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		results = results[:len(results)-1]
	}
	return results, err
}

// verifyEntry checks a dispatch entry against the server's actual method
// set at skeleton construction time, catching introspection drift before
// the first invocation.
func verifyEntry(typ reflect.Type, m info.RemoteMethod) error {
	if m.Index >= typ.NumMethod() {
		return &InvocationError{Reason: fmt.Sprintf("method %s index %d out of range for %s", m.Name, m.Index, typ)}
	}
	if got := typ.Method(m.Index).Name; got != m.Name {
		return &InvocationError{Reason: fmt.Sprintf("method ordinal %d is %s, expected %s", m.Index, got, m.Name)}
	}
	mt := typ.Method(m.Index).Type
	if mt.NumIn()-1 != len(m.Params) {
		return &InvocationError{Reason: fmt.Sprintf("method %s takes %d params, table has %d", m.Name, mt.NumIn()-1, len(m.Params))}
	}
	return nil
}
