package skeleton

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"

	"dirmi/info"
	"dirmi/wire"
)

// testConn is an in-memory connection for a single invocation.
type testConn struct {
	in     *bytes.Reader
	out    bytes.Buffer
	closed bool
}

func newTestConn(frame []byte) *testConn {
	return &testConn{in: bytes.NewReader(frame)}
}

func (c *testConn) Reader() io.Reader { return c.in }
func (c *testConn) Writer() io.Writer { return &c.out }
func (c *testConn) Close() error      { c.closed = true; return nil }

type Calc struct {
	mu    sync.Mutex
	fired []string
}

func (c *Calc) Add(a, b int32) (int32, error) {
	return a + b, nil
}

func (c *Calc) Div(a, b int32) (int32, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (c *Calc) IsReady() (bool, error) {
	return true, nil
}

func (c *Calc) IsStale() (bool, error) {
	return false, nil
}

func (c *Calc) Ping() error {
	return nil
}

// Fire is asynchronous: no results.
func (c *Calc) Fire(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = append(c.fired, msg)
}

// Burst is asynchronous and always panics.
func (c *Calc) Burst(msg string) {
	panic(errors.New("burst: " + msg))
}

func (c *Calc) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fired...)
}

func methodNamed(t *testing.T, ri *info.RemoteInfo, name string) *info.RemoteMethod {
	t.Helper()
	for i := range ri.Methods {
		if ri.Methods[i].Name == name {
			return &ri.Methods[i]
		}
	}
	t.Fatalf("no method %s in %s", name, ri.Name)
	return nil
}

func encodeCall(t *testing.T, m *info.RemoteMethod, args ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.WriteIdentifier(&buf, m.ID); err != nil {
		t.Fatal(err)
	}
	for i, p := range m.Params {
		if err := wire.WriteParam(&buf, p.Spec(), args[i]); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestSyncInvocationWithReturn(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	ri := mustInfo(t, calc)
	add := methodNamed(t, ri, "Add")

	conn := newTestConn(encodeCall(t, add, int32(2), int32(3)))
	if err := sk.Invoke(conn); err != nil {
		t.Fatal(err)
	}
	if !conn.closed {
		t.Error("sync invocation must close the connection")
	}

	want := []byte{wire.ReplyOK, 0, 0, 0, 5}
	if !bytes.Equal(conn.out.Bytes(), want) {
		t.Fatalf("reply bytes = %v, want %v", conn.out.Bytes(), want)
	}
}

func TestSyncInvocationErrorSerialized(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	div := methodNamed(t, mustInfo(t, calc), "Div")

	conn := newTestConn(encodeCall(t, div, int32(1), int32(0)))
	if err := sk.Invoke(conn); err != nil {
		t.Fatalf("sync target failure must not raise, got %v", err)
	}
	if !conn.closed {
		t.Error("connection must be closed after a throwable reply")
	}

	_, replyErr := wire.ReadReply(bytes.NewReader(conn.out.Bytes()), nil)
	var re *wire.RemoteException
	if !errors.As(replyErr, &re) {
		t.Fatalf("expected throwable reply, got %v", replyErr)
	}
	if re.Message != "division by zero" {
		t.Fatalf("throwable message = %q", re.Message)
	}
}

func TestBooleanReturnFoldedIntoTag(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	ri := mustInfo(t, calc)

	conn := newTestConn(encodeCall(t, methodNamed(t, ri, "IsReady")))
	if err := sk.Invoke(conn); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(conn.out.Bytes(), []byte{wire.ReplyOKTrue}) {
		t.Fatalf("IsReady reply = %v, want single OK_TRUE byte", conn.out.Bytes())
	}

	conn = newTestConn(encodeCall(t, methodNamed(t, ri, "IsStale")))
	if err := sk.Invoke(conn); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(conn.out.Bytes(), []byte{wire.ReplyOKFalse}) {
		t.Fatalf("IsStale reply = %v, want single OK_FALSE byte", conn.out.Bytes())
	}
}

func TestVoidSyncReturnWritesOKOnly(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	conn := newTestConn(encodeCall(t, methodNamed(t, mustInfo(t, calc), "Ping")))
	if err := sk.Invoke(conn); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(conn.out.Bytes(), []byte{wire.ReplyOK}) {
		t.Fatalf("Ping reply = %v, want single OK byte", conn.out.Bytes())
	}
	if !conn.closed {
		t.Error("connection must be closed after a void reply")
	}
}

func TestAsyncInvocationWritesNothing(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	conn := newTestConn(encodeCall(t, methodNamed(t, mustInfo(t, calc), "Fire"), "hi"))
	if err := sk.Invoke(conn); err != nil {
		t.Fatal(err)
	}
	if conn.out.Len() != 0 {
		t.Fatalf("async invocation wrote %d reply bytes", conn.out.Len())
	}
	if conn.closed {
		t.Error("async invocation must leave the connection open")
	}
	if got := calc.recorded(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("server recorded %v, want [hi]", got)
	}
}

func TestAsyncFailureWrappedAndRaised(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	conn := newTestConn(encodeCall(t, methodNamed(t, mustInfo(t, calc), "Burst"), "x"))
	err = sk.Invoke(conn)
	var aie *AsyncInvocationError
	if !errors.As(err, &aie) {
		t.Fatalf("expected AsyncInvocationError, got %v", err)
	}
	if aie.Cause == nil || aie.Cause.Error() != "burst: x" {
		t.Fatalf("cause = %v", aie.Cause)
	}
	if conn.out.Len() != 0 {
		t.Fatalf("async failure wrote %d reply bytes", conn.out.Len())
	}
}

func TestUnknownMethodRaisesWithoutReply(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	var frame bytes.Buffer
	bogus := wire.IdentifierFromUint64(0xDEAD)
	if err := wire.WriteIdentifier(&frame, bogus); err != nil {
		t.Fatal(err)
	}

	conn := newTestConn(frame.Bytes())
	err = sk.Invoke(conn)
	var nsm *NoSuchMethodError
	if !errors.As(err, &nsm) {
		t.Fatalf("expected NoSuchMethodError, got %v", err)
	}
	if !nsm.ID.Equals(bogus) {
		t.Fatalf("error carries identifier %s, want %s", nsm.ID, bogus)
	}
	if conn.out.Len() != 0 {
		t.Fatalf("unknown method wrote %d reply bytes", conn.out.Len())
	}
	if conn.closed {
		t.Error("closing after NoSuchMethod is the caller's job, not Invoke's")
	}
}

func TestHashCollisionDispatch(t *testing.T) {
	calc := &Calc{}
	typ := reflect.TypeOf(calc)
	addIdx, ok := typ.MethodByName("Add")
	if !ok {
		t.Fatal("no Add method")
	}
	divIdx, ok := typ.MethodByName("Div")
	if !ok {
		t.Fatal("no Div method")
	}

	// Crafted identifiers: distinct, same 32-bit hash.
	i32 := info.RemoteParameter{Tag: wire.TagI32, GoType: reflect.TypeOf(int32(0))}
	idA := wire.IdentifierFromUint64(0x00000001_00000002)
	idB := wire.IdentifierFromUint64(0x00000002_00000001)
	if idA.Hash() != idB.Hash() {
		t.Fatal("test identifiers do not collide")
	}

	ri, err := info.NewRemoteInfo("Calc", []info.RemoteMethod{
		{Name: "Add", ID: idA, Params: []info.RemoteParameter{i32, i32}, Ret: &i32, Index: addIdx.Index},
		{Name: "Div", ID: idB, Params: []info.RemoteParameter{i32, i32}, Ret: &i32, Index: divIdx.Index},
	})
	if err != nil {
		t.Fatal(err)
	}

	sk := &Skeleton{server: reflect.ValueOf(calc), table: NewMethodTable(ri)}

	// Alternate calls; each must route to the right method.
	for i := 0; i < 3; i++ {
		var frame bytes.Buffer
		wire.WriteIdentifier(&frame, idA)
		wire.WriteParam(&frame, wire.ParamSpec{Tag: wire.TagI32}, int32(10))
		wire.WriteParam(&frame, wire.ParamSpec{Tag: wire.TagI32}, int32(4))
		conn := newTestConn(frame.Bytes())
		if err := sk.Invoke(conn); err != nil {
			t.Fatal(err)
		}
		spec := wire.ParamSpec{Tag: wire.TagI32}
		v, err := wire.ReadReply(bytes.NewReader(conn.out.Bytes()), &spec)
		if err != nil {
			t.Fatal(err)
		}
		if v != int32(14) {
			t.Fatalf("Add via colliding id = %v, want 14", v)
		}

		frame.Reset()
		wire.WriteIdentifier(&frame, idB)
		wire.WriteParam(&frame, wire.ParamSpec{Tag: wire.TagI32}, int32(10))
		wire.WriteParam(&frame, wire.ParamSpec{Tag: wire.TagI32}, int32(4))
		conn = newTestConn(frame.Bytes())
		if err := sk.Invoke(conn); err != nil {
			t.Fatal(err)
		}
		v, err = wire.ReadReply(bytes.NewReader(conn.out.Bytes()), &spec)
		if err != nil {
			t.Fatal(err)
		}
		if v != int32(2) {
			t.Fatalf("Div via colliding id = %v, want 2", v)
		}
	}
}

func TestMalformedArgsRaised(t *testing.T) {
	calc := &Calc{}
	sk, err := NewSkeleton(calc)
	if err != nil {
		t.Fatal(err)
	}
	add := methodNamed(t, mustInfo(t, calc), "Add")

	// Identifier plus a truncated first argument.
	var frame bytes.Buffer
	wire.WriteIdentifier(&frame, add.ID)
	frame.Write([]byte{0, 0})

	conn := newTestConn(frame.Bytes())
	err = sk.Invoke(conn)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if conn.out.Len() != 0 {
		t.Fatalf("malformed invocation wrote %d reply bytes", conn.out.Len())
	}
}

func mustInfo(t *testing.T, server any) *info.RemoteInfo {
	t.Helper()
	ri, err := info.Examine(server)
	if err != nil {
		t.Fatal(err)
	}
	return ri
}
