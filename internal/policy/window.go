package policy

import "time"

// WindowLength 是滚动额度窗口的长度。
const WindowLength = 24 * time.Hour

// SpendingWindow 记录窗口起点与窗口内已提交的金额。
type SpendingWindow struct {
	Start time.Time `json:"start"`
	Total float64   `json:"total"`
}

// at 返回在 now 时刻看到的窗口：超过 24 小时则惰性重置为 (now, 0)。
func (w SpendingWindow) at(now time.Time) SpendingWindow {
	if w.Start.IsZero() || !now.Before(w.Start.Add(WindowLength)) {
		return SpendingWindow{Start: now}
	}
	return w
}
