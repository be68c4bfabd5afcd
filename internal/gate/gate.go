// Package gate 提供带优先写的读写闸门和可合并的唤醒信号。
//
// 任意数量的读者或恰好一个写者。有写者等待时新读者排队；闸门空闲时优先写者先于普通写者获得许可，
// 续约走优先写，避免在大量读负载下被饿死导致误过期。
package gate

import "sync"

// Gate 读写闸门
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond

	readers         int
	writer          bool
	waitingWriters  int // 含优先写者
	waitingPriority int
}

// New 创建闸门
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// RLock 获取读许可
func (g *Gate) RLock() {
	g.mu.Lock()
	for g.writer || g.waitingWriters > 0 {
		g.cond.Wait()
	}
	g.readers++
	g.mu.Unlock()
}

// RUnlock 释放读许可
func (g *Gate) RUnlock() {
	g.mu.Lock()
	g.readers--
	if g.readers < 0 {
		g.mu.Unlock()
		panic("gate: RUnlock without RLock")
	}
	if g.readers == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// Lock 获取普通写许可
func (g *Gate) Lock() {
	g.mu.Lock()
	g.waitingWriters++
	for g.writer || g.readers > 0 || g.waitingPriority > 0 {
		g.cond.Wait()
	}
	g.waitingWriters--
	g.writer = true
	g.mu.Unlock()
}

// PriorityLock 获取优先写许可
func (g *Gate) PriorityLock() {
	g.mu.Lock()
	g.waitingWriters++
	g.waitingPriority++
	for g.writer || g.readers > 0 {
		g.cond.Wait()
	}
	g.waitingPriority--
	g.waitingWriters--
	g.writer = true
	g.mu.Unlock()
}

// Unlock 释放写许可（普通或优先）
func (g *Gate) Unlock() {
	g.mu.Lock()
	if !g.writer {
		g.mu.Unlock()
		panic("gate: Unlock without Lock")
	}
	g.writer = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// PriorityUnlock 释放优先写许可
func (g *Gate) PriorityUnlock() {
	g.Unlock()
}
