package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeTransport struct {
	closed int
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_LifetimeIsLongestHolder(t *testing.T) {
	var opened []*fakeTransport
	r := NewRegistry(func(key string) (*fakeTransport, error) {
		ft := &fakeTransport{}
		opened = append(opened, ft)
		return ft, nil
	}, discardLogger())

	engineRef, err := r.Acquire("udp")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	callRef, err := r.Acquire("udp")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	if len(opened) != 1 {
		t.Fatalf("opened %d transports, want 1", len(opened))
	}
	if engineRef.Value() != callRef.Value() {
		t.Fatal("leases for the same key must share the transport")
	}
	if r.Refs("udp") != 2 {
		t.Fatalf("Refs = %d, want 2", r.Refs("udp"))
	}

	engineRef.Release()
	if opened[0].closed != 0 {
		t.Fatal("transport closed while a call still holds it")
	}

	callRef.Release()
	if opened[0].closed != 1 {
		t.Fatalf("closed = %d, want 1 after the last release", opened[0].closed)
	}
	if r.Refs("udp") != 0 {
		t.Errorf("Refs = %d, want 0", r.Refs("udp"))
	}
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	r := NewRegistry(func(string) (*fakeTransport, error) { return ft, nil }, discardLogger())

	a, _ := r.Acquire("tcp")
	b, _ := r.Acquire("tcp")

	a.Release()
	a.Release()
	a.Release()

	if r.Refs("tcp") != 1 {
		t.Fatalf("Refs = %d, want 1: repeated Release must decrement once", r.Refs("tcp"))
	}
	if ft.closed != 0 {
		t.Fatal("transport closed early")
	}
	b.Release()
	if ft.closed != 1 {
		t.Errorf("closed = %d, want 1", ft.closed)
	}
}

func TestRegistry_ReopensAfterFullRelease(t *testing.T) {
	count := 0
	r := NewRegistry(func(string) (*fakeTransport, error) {
		count++
		return &fakeTransport{}, nil
	}, discardLogger())

	l, _ := r.Acquire("udp")
	l.Release()
	l2, _ := r.Acquire("udp")
	defer l2.Release()

	if count != 2 {
		t.Errorf("opened %d times, want 2", count)
	}
}

func TestRegistry_Closed(t *testing.T) {
	ft := &fakeTransport{}
	r := NewRegistry(func(string) (*fakeTransport, error) { return ft, nil }, discardLogger())

	held, _ := r.Acquire("udp")
	r.Close()

	if _, err := r.Acquire("udp"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Acquire() after Close error = %v, want ErrRegistryClosed", err)
	}
	if ft.closed != 0 {
		t.Fatal("Close must not tear down leased transports")
	}
	held.Release()
	if ft.closed != 1 {
		t.Errorf("closed = %d, want 1", ft.closed)
	}
}

func TestRegistry_OpenError(t *testing.T) {
	r := NewRegistry(func(string) (*fakeTransport, error) {
		return nil, errors.New("no route")
	}, discardLogger())

	if _, err := r.Acquire("tls"); err == nil {
		t.Fatal("expected error from failing open")
	}
	if r.Refs("tls") != 0 {
		t.Error("failed open must not leave a reference")
	}
}
