package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrSemaphoreAcquireTimeout = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrSemaphoreNotAcquired    = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 带缓冲通道实现的计数信号量，
// 限制同时在途的操作提交 / Kafka 发送数量。
// Acquire 受 ctx 限时，拿不到就让调用方降级（丢弃或报错），不无限排队
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl() *SemaphoreControl {
	return &SemaphoreControl{ch: make(chan struct{}, MaxSemaphore)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}
