// Package info describes remote interfaces: the parameters, methods, and
// method identifiers a skeleton dispatches on. A RemoteInfo is immutable
// once built and safe to share between goroutines.
package info

import (
	"fmt"
	"reflect"

	"dirmi/wire"
)

// RemoteParameter describes one parameter or return value: the wire tag
// plus the Go type values are converted to on dispatch. RemoteType names
// the referenced interface for wire.TagRemote parameters.
type RemoteParameter struct {
	Tag        wire.Tag
	GoType     reflect.Type
	RemoteType string
}

// Spec returns the codec spec for this parameter.
func (p RemoteParameter) Spec() wire.ParamSpec {
	spec := wire.ParamSpec{Tag: p.Tag}
	if p.Tag == wire.TagObject {
		spec.ObjectType = p.GoType
	}
	return spec
}

// RemoteMethod describes one remotely invocable method.
//
// Ret is nil for void methods. Index is the method's position in the
// server type's method set, used to bind the target at dispatch time.
// Asynchronous methods produce no reply frame; their return values, if
// any, are discarded by the dispatcher.
type RemoteMethod struct {
	Name   string
	ID     wire.Identifier
	Params []RemoteParameter
	Ret    *RemoteParameter
	Async  bool
	Index  int
}

// RemoteInfo is the immutable method set of one remote interface, in
// definition order. Method names may repeat; method IDs may not.
type RemoteInfo struct {
	Name    string
	Methods []RemoteMethod
}

// NewRemoteInfo validates and builds a RemoteInfo. Method IDs must be
// pairwise unequal; names may repeat (overloads).
func NewRemoteInfo(name string, methods []RemoteMethod) (*RemoteInfo, error) {
	seen := make(map[wire.Identifier]string, len(methods))
	for _, m := range methods {
		if prev, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("info: methods %s and %s share identifier %s", prev, m.Name, m.ID)
		}
		seen[m.ID] = m.Name
	}
	return &RemoteInfo{Name: name, Methods: methods}, nil
}
