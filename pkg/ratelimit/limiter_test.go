package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock - детерминированное время: sleep мгновенно продвигает часы
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	nSleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	c.nSleeps++
	return ctx.Err()
}

func TestAdmit_SameKeySpacing(t *testing.T) {
	clock := newFakeClock()
	l := New("bybit", Preset{MaxConcurrent: 10, MinInterval: 100 * time.Millisecond})
	l.SetClock(clock.Now, clock.Sleep)

	ctx := context.Background()

	// 5 последовательных допусков для одного символа
	for i := 0; i < 5; i++ {
		if err := l.Admit(ctx, "BTCUSDT"); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}

	// Первый проходит сразу, оставшиеся 4 ждут по 100ms
	if clock.slept < 400*time.Millisecond {
		t.Errorf("expected total wait >= 400ms, got %v", clock.slept)
	}
}

func TestAdmit_DifferentKeysIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New("bybit", Preset{MaxConcurrent: 10, MinInterval: 100 * time.Millisecond})
	l.SetClock(clock.Now, clock.Sleep)

	ctx := context.Background()

	// Разные ключи не делят интервал между собой
	for _, key := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if err := l.Admit(ctx, key); err != nil {
			t.Fatalf("Admit(%s) failed: %v", key, err)
		}
	}

	if clock.slept != 0 {
		t.Errorf("expected no waiting across distinct keys, slept %v", clock.slept)
	}
}

func TestAdmit_ContextCancelled(t *testing.T) {
	l := New("bybit", Preset{MaxConcurrent: 10, MinInterval: time.Hour})

	ctx := context.Background()
	if err := l.Admit(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("first Admit failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// Второй допуск того же ключа должен ждать час - context отменён раньше
	if err := l.Admit(cancelled, "BTCUSDT"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAdmitGlobal_ConcurrencyCeiling(t *testing.T) {
	l := New("alpaca", Preset{MaxConcurrent: 2, MinInterval: 0})

	ctx := context.Background()

	// Занимаем оба слота вручную
	if err := l.acquireSlot(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.acquireSlot(ctx); err != nil {
		t.Fatal(err)
	}

	timeout, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.AdmitGlobal(timeout); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded while slots are full, got %v", err)
	}

	// Освобождаем слот - допуск проходит
	l.releaseSlot()
	if err := l.AdmitGlobal(ctx); err != nil {
		t.Errorf("AdmitGlobal after release failed: %v", err)
	}
}

func TestAdmit_ConcurrentSameKey(t *testing.T) {
	clock := newFakeClock()
	l := New("bybit", Preset{MaxConcurrent: 10, MinInterval: 50 * time.Millisecond})
	l.SetClock(clock.Now, clock.Sleep)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Admit(ctx, "BTCUSDT"); err != nil {
				t.Errorf("concurrent Admit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// 8 допусков одного ключа: суммарное ожидание минимум 7 интервалов
	if clock.slept < 7*50*time.Millisecond {
		t.Errorf("expected total wait >= 350ms across concurrent admits, got %v", clock.slept)
	}
}

func TestPresetFor(t *testing.T) {
	tests := []struct {
		venue        string
		wantMax      int
		wantInterval time.Duration
	}{
		{"bybit", 10, 100 * time.Millisecond},
		{"binance", 20, 50 * time.Millisecond},
		{"alpaca", 5, 200 * time.Millisecond},
		{"unknown", 5, 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.venue, func(t *testing.T) {
			p := PresetFor(tt.venue)
			if p.MaxConcurrent != tt.wantMax {
				t.Errorf("MaxConcurrent = %d, want %d", p.MaxConcurrent, tt.wantMax)
			}
			if p.MinInterval != tt.wantInterval {
				t.Errorf("MinInterval = %v, want %v", p.MinInterval, tt.wantInterval)
			}
		})
	}
}

func TestNew_DefensiveDefaults(t *testing.T) {
	l := New("x", Preset{MaxConcurrent: 0, MinInterval: -time.Second})
	if l.MaxConcurrent() != 1 {
		t.Errorf("expected MaxConcurrent normalized to 1, got %d", l.MaxConcurrent())
	}
	if l.MinInterval() != 0 {
		t.Errorf("expected MinInterval normalized to 0, got %v", l.MinInterval())
	}
}
