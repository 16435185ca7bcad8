package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dirmi/client"
	"dirmi/info"
	"dirmi/skeleton"
	"dirmi/wire"
)

type Arith struct {
	mu    sync.Mutex
	fired []string
}

func (a *Arith) Add(x, y int32) (int32, error) {
	return x + y, nil
}

func (a *Arith) Div(x, y int32) (int32, error) {
	if y == 0 {
		return 0, errors.New("division by zero")
	}
	return x / y, nil
}

func (a *Arith) IsReady() (bool, error) {
	return true, nil
}

// Fire is asynchronous: no reply, the server just records the message.
func (a *Arith) Fire(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fired = append(a.fired, msg)
}

func (a *Arith) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.fired...)
}

func startServer(t *testing.T, arith *Arith) (*Server, string) {
	t.Helper()
	svr := NewServer(Options{Workers: 16})
	if err := svr.Export("Arith", arith); err != nil {
		t.Fatal(err)
	}

	go svr.Serve("tcp", "127.0.0.1:0", "", nil)

	deadline := time.Now().Add(5 * time.Second)
	for svr.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, svr.Addr().String()
}

func method(t *testing.T, server any, name string) *info.RemoteMethod {
	t.Helper()
	ri, err := info.Examine(server)
	if err != nil {
		t.Fatal(err)
	}
	for i := range ri.Methods {
		if ri.Methods[i].Name == name {
			return &ri.Methods[i]
		}
	}
	t.Fatalf("no method %s", name)
	return nil
}

func TestEndToEndSyncCall(t *testing.T) {
	arith := &Arith{}
	_, addr := startServer(t, arith)
	inv := client.NewInvoker("tcp", addr, client.Options{})

	v, err := inv.Call(method(t, arith, "Add"), int32(2), int32(3))
	if err != nil {
		t.Fatal(err)
	}
	if v != int32(5) {
		t.Fatalf("Add(2,3) = %v, want 5", v)
	}
}

func TestEndToEndThrowable(t *testing.T) {
	arith := &Arith{}
	_, addr := startServer(t, arith)
	inv := client.NewInvoker("tcp", addr, client.Options{})

	_, err := inv.Call(method(t, arith, "Div"), int32(1), int32(0))
	var re *wire.RemoteException
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteException, got %v", err)
	}
	if re.Message != "division by zero" {
		t.Fatalf("message = %q", re.Message)
	}
}

func TestEndToEndBooleanReply(t *testing.T) {
	arith := &Arith{}
	_, addr := startServer(t, arith)
	inv := client.NewInvoker("tcp", addr, client.Options{})

	v, err := inv.Call(method(t, arith, "IsReady"))
	if err != nil {
		t.Fatal(err)
	}
	if v != true {
		t.Fatalf("IsReady = %v, want true", v)
	}
}

func TestEndToEndAsyncFireAndForget(t *testing.T) {
	arith := &Arith{}
	_, addr := startServer(t, arith)
	inv := client.NewInvoker("tcp", addr, client.Options{})

	if _, err := inv.Call(method(t, arith, "Fire"), "hi"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if got := arith.recorded(); len(got) == 1 && got[0] == "hi" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never recorded the async call: %v", arith.recorded())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEndUnknownMethodClosesWithoutReply(t *testing.T) {
	arith := &Arith{}
	_, addr := startServer(t, arith)
	inv := client.NewInvoker("tcp", addr, client.Options{})

	// A method the server never exported.
	bogus := &info.RemoteMethod{
		Name: "Missing",
		ID:   wire.IdentifierFromUint64(0xBAD),
	}

	_, err := inv.Call(bogus)
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if !errors.Is(err, client.ErrNoReply) {
		t.Fatalf("expected ErrNoReply (truncated connection), got %v", err)
	}
}

func TestExportRejectsDuplicateName(t *testing.T) {
	svr := NewServer(Options{Workers: 2})
	defer svr.Shutdown(time.Second)
	if err := svr.Export("Arith", &Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Export("Arith", &Arith{}); err == nil {
		t.Fatal("expected duplicate export error")
	}
}

func TestInterceptorsWrapDispatch(t *testing.T) {
	arith := &Arith{}
	svr := NewServer(Options{Workers: 16})
	if err := svr.Export("Arith", arith); err != nil {
		t.Fatal(err)
	}

	var calls int
	var mu sync.Mutex
	svr.Use(func(next skeleton.InvokeFunc) skeleton.InvokeFunc {
		return func(conn skeleton.Conn) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return next(conn)
		}
	})

	go svr.Serve("tcp", "127.0.0.1:0", "", nil)
	deadline := time.Now().Add(5 * time.Second)
	for svr.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer svr.Shutdown(time.Second)

	inv := client.NewInvoker("tcp", svr.Addr().String(), client.Options{})
	if _, err := inv.Call(method(t, arith, "Add"), int32(1), int32(1)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("interceptor ran %d times, want 1", calls)
	}
}

func TestShutdownStopsAccepting(t *testing.T) {
	arith := &Arith{}
	svr, addr := startServer(t, arith)

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}

	inv := client.NewInvoker("tcp", addr, client.Options{})
	if _, err := inv.Call(method(t, arith, "Add"), int32(1), int32(1)); err == nil {
		t.Fatal("expected calls to fail after shutdown")
	}
}
