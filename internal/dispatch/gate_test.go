package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateGlobalLimit(t *testing.T) {
	const limit = 2
	g := NewGate(limit, 10)
	ctx := context.Background()

	var (
		cur int32
		max int32
		wg  sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.AcquireGlobal(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&cur, 1)
			for {
				m := atomic.LoadInt32(&max)
				if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&cur, -1)
			g.ReleaseGlobal()
		}()
	}
	wg.Wait()

	if max > limit {
		t.Fatalf("observed %d concurrent holders, limit %d", max, limit)
	}
}

func TestGatePerKeyLimit(t *testing.T) {
	g := NewGate(10, 1)
	ctx := context.Background()

	release1, err := g.AcquireKey(ctx, "registry.example.com")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Same key is saturated: the second acquire must block.
	blocked := make(chan struct{})
	go func() {
		release2, err := g.AcquireKey(ctx, "registry.example.com")
		if err == nil {
			defer release2()
		}
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("second acquire on a saturated key did not block")
	case <-time.After(50 * time.Millisecond):
	}

	// A different key never contends.
	done := make(chan struct{})
	go func() {
		release, err := g.AcquireKey(ctx, "other.example.com")
		if err != nil {
			t.Errorf("acquire other key: %v", err)
		} else {
			release()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct key blocked behind unrelated pool")
	}

	release1()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("queued acquire not released")
	}
}

func TestGateAcquireHonorsContext(t *testing.T) {
	g := NewGate(1, 1)
	if err := g.AcquireGlobal(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.AcquireGlobal(ctx); err == nil {
		t.Fatal("expected context error on saturated gate")
	}
}

func TestGateKeyPoolReused(t *testing.T) {
	g := NewGate(4, 2)
	a := g.keyPool("docker.io")
	b := g.keyPool("docker.io")
	if a != b {
		t.Fatal("duplicate pool created for the same key")
	}
	if c := g.keyPool("ghcr.io"); c == a {
		t.Fatal("distinct keys share a pool")
	}
}

func TestHeartbeatInterval(t *testing.T) {
	cases := []struct {
		lease time.Duration
		want  time.Duration
	}{
		{10 * time.Second, 5 * time.Second},
		{2 * time.Second, time.Second},
		{500 * time.Millisecond, time.Second}, // floored
	}
	for _, c := range cases {
		if got := heartbeatInterval(c.lease); got != c.want {
			t.Fatalf("heartbeatInterval(%v) = %v, want %v", c.lease, got, c.want)
		}
	}
}
