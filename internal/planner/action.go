package planner

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind 是动作的类型标签。
type Kind string

const (
	KindMonitor         Kind = "monitor"
	KindRequestRiskScan Kind = "request_risk_scan"
	KindTransfer        Kind = "transfer"
	KindSwap            Kind = "swap"
	KindAlert           Kind = "alert"
)

// Action 是 planner 产出的封闭动作集合，只有本包内的类型可以实现它。
type Action interface {
	ID() string
	Kind() Kind
	// Target 返回执行该动作的智能体 id。
	Target() string
	// MovesFunds 为 true 的动作必须先通过策略闸门。
	MovesFunds() bool
	String() string
	sealed()
}

type header struct {
	id     string
	target string
}

func newHeader(target string) header {
	return header{id: uuid.NewString(), target: target}
}

func (h header) ID() string     { return h.id }
func (h header) Target() string { return h.target }
func (header) sealed()          {}

// Monitor 只记录观察结果。
type Monitor struct {
	header
	Note string
}

// NewMonitor 创建 Monitor 动作。
func NewMonitor(target, note string) Monitor {
	return Monitor{header: newHeader(target), Note: note}
}

func (Monitor) Kind() Kind       { return KindMonitor }
func (Monitor) MovesFunds() bool { return false }
func (m Monitor) String() string { return fmt.Sprintf("monitor(%s)", m.Note) }

// RequestRiskScan 请求风控预言机评估资产。
type RequestRiskScan struct {
	header
	Asset string
}

// NewRequestRiskScan 创建风险扫描动作。
func NewRequestRiskScan(target, asset string) RequestRiskScan {
	return RequestRiskScan{header: newHeader(target), Asset: asset}
}

func (RequestRiskScan) Kind() Kind       { return KindRequestRiskScan }
func (RequestRiskScan) MovesFunds() bool { return false }
func (r RequestRiskScan) String() string { return fmt.Sprintf("risk_scan(%s)", r.Asset) }

// Transfer 把原生资产转到指定地址。
type Transfer struct {
	header
	To     string
	Amount float64
}

// NewTransfer 创建转账动作。
func NewTransfer(target, to string, amount float64) Transfer {
	return Transfer{header: newHeader(target), To: to, Amount: amount}
}

func (Transfer) Kind() Kind       { return KindTransfer }
func (Transfer) MovesFunds() bool { return true }
func (t Transfer) String() string {
	return fmt.Sprintf("transfer(%g -> %s)", t.Amount, t.To)
}

// Swap 通过报价服务兑换资产。PriceImpactPct 非空时闸门直接使用该值，执行前的报价仍会按同一上限复核。
type Swap struct {
	header
	FromAsset      string
	ToAsset        string
	Amount         float64
	PriceImpactPct *float64
}

// NewSwap 创建兑换动作。
func NewSwap(target, from, to string, amount float64) Swap {
	return Swap{header: newHeader(target), FromAsset: from, ToAsset: to, Amount: amount}
}

func (Swap) Kind() Kind       { return KindSwap }
func (Swap) MovesFunds() bool { return true }
func (s Swap) String() string {
	return fmt.Sprintf("swap(%g %s -> %s)", s.Amount, s.FromAsset, s.ToAsset)
}

// Alert 向运营方发出告警。
type Alert struct {
	header
	Message  string
	Severity string
}

// NewAlert 创建告警动作。
func NewAlert(target, message, severity string) Alert {
	if severity == "" {
		severity = "warning"
	}
	return Alert{header: newHeader(target), Message: message, Severity: severity}
}

func (Alert) Kind() Kind       { return KindAlert }
func (Alert) MovesFunds() bool { return false }
func (a Alert) String() string { return fmt.Sprintf("alert(%s)", a.Message) }
