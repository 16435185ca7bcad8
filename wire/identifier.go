// Package wire implements the binary encoding shared by both ends of a
// dirmi connection: method identifiers, tagged parameter values, and reply
// framing.
//
// All multi-byte values are big-endian (network byte order). An invocation
// frame is:
//
//	┌────────────┬────────┬─────┬──────────┐
//	│ identifier │ param0 │ ... │ paramN-1 │
//	│  8 bytes   │ tagged encodings        │
//	└────────────┴────────┴─────┴──────────┘
//
// and a synchronous reply frame is a one-byte status tag optionally followed
// by an encoded return value or throwable. Asynchronous invocations produce
// no reply frame at all.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// IdentifierSize is the encoded size of an Identifier in bytes.
const IdentifierSize = 8

// Identifier is an opaque 8-byte value naming a remote method or a remote
// object reference. Equality (==) is authoritative; Hash may collide.
type Identifier [IdentifierSize]byte

// IdentifierFromUint64 builds an Identifier from a raw 64-bit value.
// Useful for tests that need identifiers with crafted hash collisions.
func IdentifierFromUint64(v uint64) Identifier {
	var id Identifier
	binary.BigEndian.PutUint64(id[:], v)
	return id
}

// Hash returns the stable 32-bit hash of the identifier: the XOR of its two
// 32-bit halves. Two identifiers may share a hash without being equal.
func (id Identifier) Hash() uint32 {
	hi := binary.BigEndian.Uint32(id[0:4])
	lo := binary.BigEndian.Uint32(id[4:8])
	return hi ^ lo
}

// Equals reports whether both identifiers name the same method or object.
func (id Identifier) Equals(other Identifier) bool {
	return id == other
}

func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// DeriveMethodID deterministically derives the identifier for a remote
// method from its qualified name and signature, so that both peers compute
// identical identifiers without negotiation. Overloads differing only in
// parameter or return tags yield distinct identifiers.
func DeriveMethodID(qualifiedName string, params []Tag, ret Tag, async bool) Identifier {
	var sb strings.Builder
	sb.WriteString(qualifiedName)
	sb.WriteByte('(')
	for i, t := range params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte(byte('0' + t))
	}
	sb.WriteByte(')')
	sb.WriteByte(byte('0' + ret))
	if async {
		sb.WriteByte('A')
	}
	return IdentifierFromUint64(xxhash.Sum64String(sb.String()))
}

// WriteIdentifier writes the canonical 8-byte encoding of id to w.
func WriteIdentifier(w io.Writer, id Identifier) error {
	if _, err := w.Write(id[:]); err != nil {
		return fmt.Errorf("writing identifier: %w", err)
	}
	return nil
}

// ReadIdentifier reads an 8-byte identifier from r. An EOF from the
// underlying reader propagates unchanged.
func ReadIdentifier(r io.Reader) (Identifier, error) {
	var id Identifier
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return Identifier{}, err
	}
	return id, nil
}
