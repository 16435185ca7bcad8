package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
)

// Tag selects the encoding of one parameter or return value.
type Tag byte

const (
	TagBool Tag = iota + 1
	TagByte
	TagI16
	TagU16
	TagI32
	TagI64
	TagF32
	TagF64
	TagChar   // one UTF-16 code unit, 2 bytes
	TagString // u32 length + UTF-8 bytes
	TagObject // u32 length + JSON bytes
	TagRemote // remote interface name (string encoding) + 8-byte identifier
)

func (t Tag) String() string {
	switch t {
	case TagBool:
		return "bool"
	case TagByte:
		return "byte"
	case TagI16:
		return "i16"
	case TagU16:
		return "u16"
	case TagI32:
		return "i32"
	case TagI64:
		return "i64"
	case TagF32:
		return "f32"
	case TagF64:
		return "f64"
	case TagChar:
		return "char"
	case TagString:
		return "string"
	case TagObject:
		return "object"
	case TagRemote:
		return "remote"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// Reply status tags. A boolean return value is folded into the tag itself;
// other return values follow an OK tag.
const (
	ReplyOK        byte = 0x01
	ReplyOKTrue    byte = 0x02
	ReplyOKFalse   byte = 0x03
	ReplyThrowable byte = 0x04
)

// ErrMalformedFrame reports peer-supplied bytes that do not parse: an
// unknown tag, a negative or absurd length, or a value outside its domain.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// maxEncodedLen bounds string and object payloads so a corrupt length
// prefix cannot trigger a giant allocation.
const maxEncodedLen = 1 << 30

// ParamSpec tells the codec how to encode or decode a single value.
// ObjectType is the decode target for TagObject; when nil, objects decode
// into a generic any.
type ParamSpec struct {
	Tag        Tag
	ObjectType reflect.Type
}

// RemoteRef is the decoded form of a TagRemote value: the remote interface
// name plus the object identifier assigned by the exporting side.
type RemoteRef struct {
	TypeName string
	ID       Identifier
}

// RemoteException is the decoded form of a throwable reply. It carries the
// peer-side error's type name and message.
type RemoteException struct {
	Type    string
	Message string
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// WriteParam encodes v according to spec and writes it to w.
func WriteParam(w io.Writer, spec ParamSpec, v any) error {
	switch spec.Tag {
	case TagBool:
		b := byte(0)
		if reflect.ValueOf(v).Bool() {
			b = 1
		}
		return writeBytes(w, []byte{b})
	case TagByte:
		return writeBytes(w, []byte{byte(reflect.ValueOf(v).Uint())})
	case TagI16:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(reflect.ValueOf(v).Int()))
		return writeBytes(w, buf[:])
	case TagU16:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(reflect.ValueOf(v).Uint()))
		return writeBytes(w, buf[:])
	case TagI32:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(reflect.ValueOf(v).Int()))
		return writeBytes(w, buf[:])
	case TagI64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(reflect.ValueOf(v).Int()))
		return writeBytes(w, buf[:])
	case TagF32:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(float32(reflect.ValueOf(v).Float())))
		return writeBytes(w, buf[:])
	case TagF64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(reflect.ValueOf(v).Float()))
		return writeBytes(w, buf[:])
	case TagChar:
		c := reflect.ValueOf(v).Int()
		if c < 0 || c > 0xFFFF {
			return fmt.Errorf("%w: char %#x outside the basic multilingual plane", ErrMalformedFrame, c)
		}
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(c))
		return writeBytes(w, buf[:])
	case TagString:
		return writeString(w, reflect.ValueOf(v).String())
	case TagObject:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding object param: %w", err)
		}
		return writeLengthPrefixed(w, data)
	case TagRemote:
		ref, ok := v.(RemoteRef)
		if !ok {
			return fmt.Errorf("wire: remote param must be a RemoteRef, got %T", v)
		}
		if err := writeString(w, ref.TypeName); err != nil {
			return err
		}
		return WriteIdentifier(w, ref.ID)
	default:
		return fmt.Errorf("%w: unknown tag %d", ErrMalformedFrame, spec.Tag)
	}
}

// ReadParam decodes one value described by spec from r. EOF errors from r
// propagate unchanged; anything unparseable is ErrMalformedFrame.
func ReadParam(r io.Reader, spec ParamSpec) (any, error) {
	switch spec.Tag {
	case TagBool:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, fmt.Errorf("%w: bool byte %d", ErrMalformedFrame, b[0])
		}
	case TagByte:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case TagI16:
		b, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(b)), nil
	case TagU16:
		b, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(b), nil
	case TagI32:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(b)), nil
	case TagI64:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case TagF32:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case TagF64:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case TagChar:
		b, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		return rune(binary.BigEndian.Uint16(b)), nil
	case TagString:
		return readString(r)
	case TagObject:
		data, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		if spec.ObjectType == nil {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("%w: object payload: %v", ErrMalformedFrame, err)
			}
			return v, nil
		}
		ptr := reflect.New(spec.ObjectType)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%w: object payload: %v", ErrMalformedFrame, err)
		}
		return ptr.Elem().Interface(), nil
	case TagRemote:
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		id, err := ReadIdentifier(r)
		if err != nil {
			return nil, err
		}
		return RemoteRef{TypeName: name, ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedFrame, spec.Tag)
	}
}

// WriteOK writes the reply tag for a successful void or non-boolean return.
// For non-void returns the caller follows it with WriteParam.
func WriteOK(w io.Writer) error {
	return writeBytes(w, []byte{ReplyOK})
}

// WriteOKBool writes the reply tag for a successful boolean return. The
// value is folded into the tag; no payload byte follows.
func WriteOKBool(w io.Writer, v bool) error {
	tag := ReplyOKFalse
	if v {
		tag = ReplyOKTrue
	}
	return writeBytes(w, []byte{tag})
}

// WriteThrowable writes the THROWABLE reply tag followed by the encoded
// error: its type name and message.
func WriteThrowable(w io.Writer, err error) error {
	typeName := fmt.Sprintf("%T", err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	var re *RemoteException
	if errors.As(err, &re) {
		typeName = re.Type
		msg = re.Message
	}
	if werr := writeBytes(w, []byte{ReplyThrowable}); werr != nil {
		return werr
	}
	if werr := writeString(w, typeName); werr != nil {
		return werr
	}
	return writeString(w, msg)
}

// ReadReply reads a synchronous reply frame. ret describes the expected
// return value; nil means void. A THROWABLE frame decodes into a
// *RemoteException returned as the error.
func ReadReply(r io.Reader, ret *ParamSpec) (any, error) {
	b, err := readN(r, 1)
	if err != nil {
		return nil, err
	}
	switch b[0] {
	case ReplyOK:
		if ret == nil {
			return nil, nil
		}
		return ReadParam(r, *ret)
	case ReplyOKTrue:
		return true, nil
	case ReplyOKFalse:
		return false, nil
	case ReplyThrowable:
		typeName, err := readString(r)
		if err != nil {
			return nil, err
		}
		msg, err := readString(r)
		if err != nil {
			return nil, err
		}
		return nil, &RemoteException{Type: typeName, Message: msg}
	default:
		return nil, fmt.Errorf("%w: reply tag %d", ErrMalformedFrame, b[0])
	}
}

func writeBytes(w io.Writer, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("writing frame bytes: %w", err)
	}
	return nil
}

func writeLengthPrefixed(w io.Writer, p []byte) error {
	if len(p) > maxEncodedLen {
		return fmt.Errorf("%w: payload of %d bytes", ErrMalformedFrame, len(p))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if err := writeBytes(w, hdr[:]); err != nil {
		return err
	}
	return writeBytes(w, p)
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	hdr, err := readN(r, 4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > maxEncodedLen {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedFrame, n)
	}
	return readN(r, int(n))
}

func writeString(w io.Writer, s string) error {
	return writeLengthPrefixed(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	data, err := readLengthPrefixed(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
