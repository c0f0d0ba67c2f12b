package policy

import (
	"math"
	"strings"

	xerrors "OpenMCP-Fleet/internal/errors"
)

// Rules 是一个不可变的规则快照。更新规则会产生新的快照。
type Rules struct {
	MaxSingleTx       float64  `yaml:"max_single_tx" json:"max_single_tx"`
	DailyCap          float64  `yaml:"daily_cap" json:"daily_cap"`
	MaxPositionPct    float64  `yaml:"max_position_pct" json:"max_position_pct"`
	MaxPriceImpactPct float64  `yaml:"max_price_impact_pct" json:"max_price_impact_pct"`
	MaxRiskScore      float64  `yaml:"max_risk_score" json:"max_risk_score"`
	AllowList         []string `yaml:"allow_list" json:"allow_list"`
	DenyList          []string `yaml:"deny_list" json:"deny_list"`
	RequireRiskCheck  bool     `yaml:"require_risk_check" json:"require_risk_check"`
}

// DefaultRules 返回未配置规则文件时使用的保守默认值。
func DefaultRules() Rules {
	return Rules{
		MaxSingleTx:       0.5,
		DailyCap:          2.0,
		MaxPositionPct:    25,
		MaxPriceImpactPct: 3,
		MaxRiskScore:      500,
		RequireRiskCheck:  true,
	}
}

// Validate 检查规则取值，非法时返回 ConfigError。
func (r Rules) Validate() error {
	for name, value := range map[string]float64{
		"max_single_tx":        r.MaxSingleTx,
		"daily_cap":            r.DailyCap,
		"max_position_pct":     r.MaxPositionPct,
		"max_price_impact_pct": r.MaxPriceImpactPct,
		"max_risk_score":       r.MaxRiskScore,
	} {
		if math.IsNaN(value) || value < 0 {
			return xerrors.ConfigError("%s %v < 0", name, value)
		}
	}
	if r.MaxRiskScore > 1000 {
		return xerrors.ConfigError("max_risk_score %v > 1000", r.MaxRiskScore)
	}
	for _, asset := range r.AllowList {
		if containsAsset(r.DenyList, asset) {
			return xerrors.ConfigError("资产 %s 同时出现在允许与拒绝列表中", asset)
		}
	}
	return nil
}

// RulesPatch 描述一次局部更新，nil 字段保持原值。
type RulesPatch struct {
	MaxSingleTx       *float64  `yaml:"max_single_tx" json:"max_single_tx,omitempty"`
	DailyCap          *float64  `yaml:"daily_cap" json:"daily_cap,omitempty"`
	MaxPositionPct    *float64  `yaml:"max_position_pct" json:"max_position_pct,omitempty"`
	MaxPriceImpactPct *float64  `yaml:"max_price_impact_pct" json:"max_price_impact_pct,omitempty"`
	MaxRiskScore      *float64  `yaml:"max_risk_score" json:"max_risk_score,omitempty"`
	AllowList         *[]string `yaml:"allow_list" json:"allow_list,omitempty"`
	DenyList          *[]string `yaml:"deny_list" json:"deny_list,omitempty"`
	RequireRiskCheck  *bool     `yaml:"require_risk_check" json:"require_risk_check,omitempty"`
}

// Merge 返回应用 patch 后的新快照，不修改接收者。
func (r Rules) Merge(p RulesPatch) Rules {
	out := r
	out.AllowList = cloneList(r.AllowList)
	out.DenyList = cloneList(r.DenyList)
	if p.MaxSingleTx != nil {
		out.MaxSingleTx = *p.MaxSingleTx
	}
	if p.DailyCap != nil {
		out.DailyCap = *p.DailyCap
	}
	if p.MaxPositionPct != nil {
		out.MaxPositionPct = *p.MaxPositionPct
	}
	if p.MaxPriceImpactPct != nil {
		out.MaxPriceImpactPct = *p.MaxPriceImpactPct
	}
	if p.MaxRiskScore != nil {
		out.MaxRiskScore = *p.MaxRiskScore
	}
	if p.AllowList != nil {
		out.AllowList = cloneList(*p.AllowList)
	}
	if p.DenyList != nil {
		out.DenyList = cloneList(*p.DenyList)
	}
	if p.RequireRiskCheck != nil {
		out.RequireRiskCheck = *p.RequireRiskCheck
	}
	return out
}

func cloneList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func containsAsset(list []string, asset string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(asset)) {
			return true
		}
	}
	return false
}
