package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock 是测试用的确定性时钟，只有调用 Advance 时时间才会前进。
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
	changed *sync.Cond
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Fake 创建一个停在 initial 的时钟。
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now 返回当前的虚拟时间。
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker 注册一个虚拟计时器，d 必须为正数。
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTicker{
		deadline: c.current.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, ft)
	c.changed.Broadcast()
	return &Ticker{
		C: ft.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ft.stopped = true
			c.changed.Broadcast()
		},
	}
}

// Advance 将时间推进 d，并按截止时间顺序触发到期的计时器。
// 每个计时器在一次 Advance 中最多投递与经过的周期数相同的 tick，
// 通道已满时多余的 tick 被丢弃。
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current

	var due []*fakeTicker
	live := c.tickers[:0]
	for _, ft := range c.tickers {
		if ft.stopped {
			continue
		}
		live = append(live, ft)
		if !ft.deadline.After(target) {
			due = append(due, ft)
		}
	}
	c.tickers = live
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, ft := range due {
		for !ft.deadline.After(target) {
			ft.deadline = ft.deadline.Add(ft.interval)
		}
	}
	c.mu.Unlock()

	for _, ft := range due {
		select {
		case ft.channel <- target:
		default:
		}
	}
}

// Set 将时钟直接跳到指定时间，不触发计时器。
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// WaitForTickers 阻塞直到至少有 n 个活跃的计时器，用于消除注册与推进之间的竞态。
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// ActiveTickers 返回尚未停止的计时器数量。
func (c *FakeClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, ft := range c.tickers {
		if !ft.stopped {
			count++
		}
	}
	return count
}
