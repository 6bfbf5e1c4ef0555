package cmdqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingBinder struct {
	registerErr  error
	registered   atomic.Int32
	deregistered atomic.Int32
}

func (b *recordingBinder) RegisterThread() error {
	if b.registerErr != nil {
		return b.registerErr
	}
	b.registered.Add(1)
	return nil
}

func (b *recordingBinder) DeregisterThread() {
	b.deregistered.Add(1)
}

func TestQueue_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int

	q := New(func(n int) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	}, nil, testLogger())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		if err := q.Post(i); err != nil {
			t.Fatalf("Post(%d) error: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("executed %d commands, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d executed command %d", i, v)
		}
	}

	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestQueue_ConcurrentPostersKeepPerPosterOrder(t *testing.T) {
	type tagged struct{ poster, seq int }

	var mu sync.Mutex
	last := map[int]int{}
	outOfOrder := false

	q := New(func(c tagged) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := last[c.poster]; ok && c.seq != prev+1 {
			outOfOrder = true
		}
		last[c.poster] = c.seq
	}, nil, testLogger())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Post(tagged{poster: p, seq: i})
			}
		}(p)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if outOfOrder {
		t.Error("commands from one poster executed out of order")
	}
	for p := 0; p < 8; p++ {
		if last[p] != 99 {
			t.Errorf("poster %d last seq = %d, want 99", p, last[p])
		}
	}
}

func TestQueue_PanicDoesNotStopWorker(t *testing.T) {
	var ran atomic.Int32
	q := New(func(s string) {
		if s == "boom" {
			panic("command failed")
		}
		ran.Add(1)
	}, nil, testLogger())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	q.Post("a")
	q.Post("boom")
	q.Post("b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if ran.Load() != 2 {
		t.Errorf("ran = %d, want 2", ran.Load())
	}
	q.Shutdown(ctx)
}

func TestQueue_BinderScopedToWorker(t *testing.T) {
	b := &recordingBinder{}
	q := New(func(int) {}, b, testLogger())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if b.registered.Load() != 1 {
		t.Fatalf("registered = %d, want 1", b.registered.Load())
	}
	if b.deregistered.Load() != 0 {
		t.Fatalf("deregistered before shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if b.deregistered.Load() != 1 {
		t.Errorf("deregistered = %d, want 1", b.deregistered.Load())
	}
}

func TestQueue_RegisterFailure(t *testing.T) {
	b := &recordingBinder{registerErr: errors.New("engine not ready")}
	q := New(func(int) {}, b, testLogger())

	if err := q.Start(); err == nil {
		t.Fatal("expected Start() to fail when registration fails")
	}
	if b.deregistered.Load() != 0 {
		t.Error("deregistered without a successful registration")
	}
	if err := q.Flush(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Flush() error = %v, want ErrNotStarted", err)
	}
}

func TestQueue_PostAfterShutdown(t *testing.T) {
	q := New(func(int) {}, nil, testLogger())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	q.Shutdown(context.Background())

	if err := q.Post(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Post() error = %v, want ErrClosed", err)
	}
}

func TestQueue_ShutdownPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   int32
	}{
		{"drain runs everything", PolicyDrain, 10},
		{"discard drops the backlog", PolicyDiscard, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			var ran atomic.Int32
			q := New(func(n int) {
				if n == 0 {
					<-release
				}
				ran.Add(1)
			}, nil, testLogger(), WithPolicy(tt.policy))
			if err := q.Start(); err != nil {
				t.Fatalf("Start() error: %v", err)
			}

			for i := 0; i < 10; i++ {
				q.Post(i)
			}
			// Wait until the worker holds command 0 and the rest are queued.
			deadline := time.Now().Add(2 * time.Second)
			for q.Len() != 9 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- q.Shutdown(ctx) }()

			// Shutdown must flip the queue closed before command 0 finishes.
			for {
				q.mu.Lock()
				closed := q.closed
				q.mu.Unlock()
				if closed {
					break
				}
				time.Sleep(time.Millisecond)
			}
			close(release)

			if err := <-errCh; err != nil {
				t.Fatalf("Shutdown() error: %v", err)
			}
			if ran.Load() != tt.want {
				t.Errorf("ran = %d, want %d", ran.Load(), tt.want)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyDrain, false},
		{"drain", PolicyDrain, false},
		{"discard", PolicyDiscard, false},
		{"flush", PolicyDrain, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
