package skeleton

import (
	"fmt"
	"reflect"
	"sync"
	"weak"

	"dirmi/info"
)

// Factory produces Skeletons for one server type. Factories are shared
// through a process-global weak-valued cache, so an unused factory may be
// reclaimed once nothing else retains it.
type Factory struct {
	typ   reflect.Type
	info  *info.RemoteInfo
	table *MethodTable
}

// RemoteInfo returns the remote interface description the factory was
// built from.
func (f *Factory) RemoteInfo() *info.RemoteInfo {
	return f.info
}

// NewSkeleton binds a server instance to the factory's method table.
func (f *Factory) NewSkeleton(server any) (*Skeleton, error) {
	v := reflect.ValueOf(server)
	if !v.IsValid() || v.Type() != f.typ {
		return nil, fmt.Errorf("skeleton: server must be %v, got %T", f.typ, server)
	}
	return &Skeleton{server: v, table: f.table}, nil
}

var (
	factoryMu    sync.Mutex
	factoryCache = make(map[reflect.Type]weak.Pointer[Factory])
)

// FactoryFor returns the factory for the server's type, building and
// caching it on first use. The cache holds weak references: dropping every
// strong reference to a factory allows it to be reclaimed, after which a
// later call synthesizes a fresh, behaviorally identical one. Concurrent
// callers racing on a miss serialize under one lock and observe the same
// instance.
func FactoryFor(server any) (*Factory, error) {
	typ := reflect.TypeOf(server)

	factoryMu.Lock()
	defer factoryMu.Unlock()

	if ptr, ok := factoryCache[typ]; ok {
		if f := ptr.Value(); f != nil {
			return f, nil
		}
		delete(factoryCache, typ)
	}

	ri, err := info.Examine(server)
	if err != nil {
		return nil, err
	}
	for _, m := range ri.Methods {
		if err := verifyEntry(typ, m); err != nil {
			return nil, err
		}
	}

	f := &Factory{typ: typ, info: ri, table: NewMethodTable(ri)}
	factoryCache[typ] = weak.Make(f)
	return f, nil
}

// NewSkeleton is the common path: resolve the factory for the server's
// type and bind the instance in one step.
func NewSkeleton(server any) (*Skeleton, error) {
	f, err := FactoryFor(server)
	if err != nil {
		return nil, err
	}
	return f.NewSkeleton(server)
}
