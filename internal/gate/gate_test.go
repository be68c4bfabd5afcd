package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadersShare(t *testing.T) {
	g := New()
	g.RLock()
	done := make(chan struct{})
	go func() {
		g.RLock()
		g.RUnlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("第二个读者不应被阻塞")
	}
	g.RUnlock()
}

// TestWriterExcludesAll 写者与读者、写者互斥
func TestWriterExcludesAll(t *testing.T) {
	g := New()
	var active, maxActive int32
	var writers int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Lock()
			if atomic.AddInt32(&writers, 1) != 1 || atomic.LoadInt32(&active) != 0 {
				t.Error("写者期间存在其他持有者")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&writers, -1)
			g.Unlock()
		}()
		go func() {
			defer wg.Done()
			g.RLock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			if atomic.LoadInt32(&writers) != 0 {
				t.Error("读者期间存在写者")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			g.RUnlock()
		}()
	}
	wg.Wait()
}

// TestWaitingWriterBlocksNewReaders 有写者等待时新读者排队
func TestWaitingWriterBlocksNewReaders(t *testing.T) {
	g := New()
	g.RLock()

	writerIn := make(chan struct{})
	go func() {
		g.Lock()
		close(writerIn)
		time.Sleep(20 * time.Millisecond)
		g.Unlock()
	}()
	waitFor(t, func() bool { return waitingWriters(g) == 1 })

	readerIn := make(chan struct{})
	go func() {
		g.RLock()
		close(readerIn)
		g.RUnlock()
	}()

	select {
	case <-readerIn:
		t.Fatal("写者等待时新读者不应进入")
	case <-time.After(30 * time.Millisecond):
	}

	g.RUnlock()
	<-writerIn
	<-readerIn
}

// TestPriorityWriterFirst 闸门空闲时优先写者先于普通写者
func TestPriorityWriterFirst(t *testing.T) {
	g := New()
	g.RLock()

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Lock()
		record("plain")
		g.Unlock()
	}()
	waitFor(t, func() bool { return waitingWriters(g) == 1 })
	go func() {
		defer wg.Done()
		g.PriorityLock()
		record("priority")
		g.PriorityUnlock()
	}()
	waitFor(t, func() bool { return waitingWriters(g) == 2 })

	g.RUnlock()
	wg.Wait()
	assert.Equal(t, []string{"priority", "plain"}, order)
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	assert.Panics(t, func() { New().Unlock() })
	assert.Panics(t, func() { New().RUnlock() })
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	s.Notify()
	s.Notify()
	assert.True(t, s.Wait(context.Background(), time.Second), "应被唤醒")
	assert.False(t, s.Wait(context.Background(), 10*time.Millisecond), "多次 Notify 只合并为一次")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Wait(ctx, 0))

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Notify()
	}()
	require.True(t, s.Wait(context.Background(), 0))
}

func waitingWriters(g *Gate) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitingWriters
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}
