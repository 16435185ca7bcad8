package info

import (
	"fmt"
	"reflect"

	lru "github.com/hashicorp/golang-lru/v2"

	"dirmi/wire"
)

// Examine derives the RemoteInfo for a server object via reflection.
//
// v must be a pointer to a struct. Exported methods are scanned in method-set
// order; a method is remotely invocable when every parameter maps to a wire
// tag and its results fit one of two shapes:
//
//   - synchronous: zero or one mappable result followed by a final error
//   - asynchronous: no error result (any results are discarded on dispatch)
//
// Methods that fit neither shape are skipped. Method identifiers are derived
// deterministically from the type name, method name, and signature, so a
// peer examining the same declaration computes identical identifiers.
//
// Results are memoized per concrete type.
func Examine(v any) (*RemoteInfo, error) {
	typ := reflect.TypeOf(v)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("info: remote server must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("info: remote server must point to a struct, got %s", typ.Elem().Kind())
	}

	if cached, ok := infoCache.Get(typ); ok {
		return cached, nil
	}

	name := typ.Elem().Name()
	var methods []RemoteMethod
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		rm, ok := examineMethod(name, method, i)
		if !ok {
			continue
		}
		methods = append(methods, rm)
	}

	ri, err := NewRemoteInfo(name, methods)
	if err != nil {
		return nil, err
	}
	infoCache.Add(typ, ri)
	return ri, nil
}

var infoCache = mustLRU(128)

func mustLRU(size int) *lru.Cache[reflect.Type, *RemoteInfo] {
	c, err := lru.New[reflect.Type, *RemoteInfo](size)
	if err != nil {
		panic(err)
	}
	return c
}

func examineMethod(typeName string, method reflect.Method, index int) (RemoteMethod, bool) {
	mt := method.Type

	// In(0) is the receiver.
	params := make([]RemoteParameter, 0, mt.NumIn()-1)
	tags := make([]wire.Tag, 0, mt.NumIn()-1)
	for i := 1; i < mt.NumIn(); i++ {
		p, ok := paramFor(mt.In(i))
		if !ok {
			return RemoteMethod{}, false
		}
		params = append(params, p)
		tags = append(tags, p.Tag)
	}

	var ret *RemoteParameter
	async := false
	switch {
	case mt.NumOut() == 0:
		async = true
	case mt.Out(mt.NumOut()-1) == errorType:
		switch mt.NumOut() {
		case 1:
			// void
		case 2:
			p, ok := paramFor(mt.Out(0))
			if !ok {
				return RemoteMethod{}, false
			}
			ret = &p
		default:
			return RemoteMethod{}, false
		}
	default:
		// Results without a trailing error: fire-and-forget, returns dropped.
		async = true
	}

	var retTag wire.Tag
	if ret != nil {
		retTag = ret.Tag
	}
	id := wire.DeriveMethodID(typeName+"."+method.Name, tags, retTag, async)

	return RemoteMethod{
		Name:   method.Name,
		ID:     id,
		Params: params,
		Ret:    ret,
		Async:  async,
		Index:  index,
	}, true
}

var (
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	remoteRefType = reflect.TypeOf(wire.RemoteRef{})
)

// paramFor maps a Go type to its wire parameter descriptor. Plain int maps
// to i64 so 32- and 64-bit builds agree on the wire.
func paramFor(t reflect.Type) (RemoteParameter, bool) {
	if t == remoteRefType {
		return RemoteParameter{Tag: wire.TagRemote, GoType: t, RemoteType: t.String()}, true
	}
	switch t.Kind() {
	case reflect.Bool:
		return RemoteParameter{Tag: wire.TagBool, GoType: t}, true
	case reflect.Uint8:
		return RemoteParameter{Tag: wire.TagByte, GoType: t}, true
	case reflect.Int16:
		return RemoteParameter{Tag: wire.TagI16, GoType: t}, true
	case reflect.Uint16:
		return RemoteParameter{Tag: wire.TagU16, GoType: t}, true
	case reflect.Int32:
		return RemoteParameter{Tag: wire.TagI32, GoType: t}, true
	case reflect.Int, reflect.Int64:
		return RemoteParameter{Tag: wire.TagI64, GoType: t}, true
	case reflect.Float32:
		return RemoteParameter{Tag: wire.TagF32, GoType: t}, true
	case reflect.Float64:
		return RemoteParameter{Tag: wire.TagF64, GoType: t}, true
	case reflect.String:
		return RemoteParameter{Tag: wire.TagString, GoType: t}, true
	case reflect.Struct, reflect.Map, reflect.Slice:
		return RemoteParameter{Tag: wire.TagObject, GoType: t}, true
	case reflect.Ptr:
		if t.Elem().Kind() == reflect.Struct {
			return RemoteParameter{Tag: wire.TagObject, GoType: t}, true
		}
		return RemoteParameter{}, false
	default:
		return RemoteParameter{}, false
	}
}
