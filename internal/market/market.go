// Package market defines the contracts for the quote provider, the risk
// oracle and the price feed, plus a JSON over HTTP client for all three.
package market

import (
	"context"
	"time"

	"OpenMCP-Fleet/internal/web3"
)

// Quote 是报价服务返回的模拟成交结果。
type Quote struct {
	ID             string    `json:"id"`
	InputAsset     string    `json:"input_asset"`
	OutputAsset    string    `json:"output_asset"`
	InputAmount    float64   `json:"input_amount"`
	OutputAmount   float64   `json:"output_amount"`
	PriceImpactPct float64   `json:"price_impact_pct"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// RiskAssessment 是风控预言机对资产的评估，Score 取值 0 到 1000。
type RiskAssessment struct {
	Asset          string  `json:"asset"`
	Score          float64 `json:"score"`
	Classification string  `json:"classification"`
}

// ClassificationUnknown 用于预言机不可用时的降级评估。
const ClassificationUnknown = "unknown"

// QuoteProvider 负责报价与执行兑换。
type QuoteProvider interface {
	Quote(ctx context.Context, inputAsset, outputAsset string, amount float64) (Quote, error)
	Execute(ctx context.Context, wallet web3.Wallet, quote Quote) (string, error)
}

// RiskOracle 评估资产风险。
type RiskOracle interface {
	Assess(ctx context.Context, asset string) (RiskAssessment, error)
}

// PriceFeed 返回资产价格。
type PriceFeed interface {
	Prices(ctx context.Context, assets []string) (map[string]float64, error)
}
