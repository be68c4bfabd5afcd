package gate

import (
	"context"
	"time"
)

// Signal 可合并的唤醒信号：多次 Notify 在被消费前只保留一次
type Signal struct {
	ch chan struct{}
}

// NewSignal 创建信号
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify 发出唤醒，不阻塞
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait 等待唤醒、超时或 ctx 取消。d <= 0 表示只等唤醒或取消。
// 返回 true 表示被 Notify 唤醒。
func (s *Signal) Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// C 暴露底层通道，供 select 组合使用
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
