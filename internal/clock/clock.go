// Package clock provides an injectable time source so that agent cycles and
// spending windows can be driven deterministically in tests.
package clock

import "time"

// Clock 抽象了调度器与策略闸门依赖的时间操作。
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker 封装周期性计时器，C 的容量为 1，消费方落后时多余的 tick 会被丢弃。
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop 停止计时器，不会关闭 C。
func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}

// Real 返回基于标准库的时钟。
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

// OrReal 在 c 为空时返回真实时钟。
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
