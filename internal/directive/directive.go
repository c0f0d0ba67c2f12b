// Package directive models the shared, versioned configuration every agent
// reads at the start of each cycle.
package directive

import (
	"context"
	"sort"
	"strconv"
	"strings"

	xerrors "OpenMCP-Fleet/internal/errors"
)

// Kind 表示指令值的类型。
type Kind int

const (
	KindString Kind = iota
	KindFloat
	KindInt
	KindBool
)

// 已知的指令键。
const (
	KeyMission             = "mission"
	KeyEmergencyStop       = "emergency_stop"
	KeyDCAEnabled          = "dca.enabled"
	KeyDCAAsset            = "dca.asset"
	KeyDCAAmount           = "dca.amount"
	KeyDCAEveryCycles      = "dca.every_cycles"
	KeyTakeProfitEnabled   = "take_profit.enabled"
	KeyTakeProfitAsset     = "take_profit.asset"
	KeyTakeProfitPrice     = "take_profit.price"
	KeyTakeProfitAmount    = "take_profit.amount"
	KeyOffRampEnabled      = "offramp.enabled"
	KeyOffRampAddress      = "offramp.address"
	KeyOffRampThreshold    = "offramp.threshold"
	KeyOffRampKeep         = "offramp.keep"
	KeyRiskScanEveryCycles = "risk_scan.every_cycles"
	KeyAlertMinBalance     = "alert.min_balance"

	// AllocationPrefix 后接角色名，例如 allocation.trader。
	AllocationPrefix = "allocation."
)

var knownKeys = map[string]Kind{
	KeyMission:             KindString,
	KeyEmergencyStop:       KindBool,
	KeyDCAEnabled:          KindBool,
	KeyDCAAsset:            KindString,
	KeyDCAAmount:           KindFloat,
	KeyDCAEveryCycles:      KindInt,
	KeyTakeProfitEnabled:   KindBool,
	KeyTakeProfitAsset:     KindString,
	KeyTakeProfitPrice:     KindFloat,
	KeyTakeProfitAmount:    KindFloat,
	KeyOffRampEnabled:      KindBool,
	KeyOffRampAddress:      KindString,
	KeyOffRampThreshold:    KindFloat,
	KeyOffRampKeep:         KindFloat,
	KeyRiskScanEveryCycles: KindInt,
	KeyAlertMinBalance:     KindFloat,
}

// KindOf 返回键的类型，未知键返回 false。
func KindOf(key string) (Kind, bool) {
	if kind, ok := knownKeys[key]; ok {
		return kind, true
	}
	if strings.HasPrefix(key, AllocationPrefix) && len(key) > len(AllocationPrefix) {
		return KindFloat, true
	}
	return 0, false
}

// Value 是一个带类型的指令值。
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Flag bool
}

// Set 是某一版本的指令快照，创建后不可修改。
type Set struct {
	version int64
	values  map[string]Value
}

// Parse 将原始键值解析为指令集。未知键被忽略；已知键无法解析时返回 ConfigError。
func Parse(version int64, raw map[string]string) (Set, error) {
	values := make(map[string]Value, len(raw))
	for key, text := range raw {
		key = strings.TrimSpace(key)
		kind, ok := KindOf(key)
		if !ok {
			continue
		}
		value, err := parseValue(kind, strings.TrimSpace(text))
		if err != nil {
			return Set{}, xerrors.ConfigError("指令 %s 的值 %q 无法解析: %v", key, text, err)
		}
		values[key] = value
	}
	return Set{version: version, values: values}, nil
}

func parseValue(kind Kind, text string) (Value, error) {
	switch kind {
	case KindBool:
		flag, err := strconv.ParseBool(text)
		return Value{Kind: kind, Flag: flag}, err
	case KindFloat, KindInt:
		num, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, err
		}
		if kind == KindInt && num != float64(int64(num)) {
			return Value{}, strconv.ErrSyntax
		}
		return Value{Kind: kind, Num: num}, nil
	default:
		return Value{Kind: KindString, Str: text}, nil
	}
}

// Version 返回指令集版本。
func (s Set) Version() int64 { return s.version }

// Has 判断键是否存在。
func (s Set) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// String 返回字符串指令，缺失时返回默认值。
func (s Set) String(key, def string) string {
	if v, ok := s.values[key]; ok && v.Kind == KindString {
		return v.Str
	}
	return def
}

// Float 返回数值指令，缺失时返回默认值。
func (s Set) Float(key string, def float64) float64 {
	if v, ok := s.values[key]; ok && (v.Kind == KindFloat || v.Kind == KindInt) {
		return v.Num
	}
	return def
}

// Int 返回整数指令，缺失时返回默认值。
func (s Set) Int(key string, def int) int {
	if v, ok := s.values[key]; ok && (v.Kind == KindFloat || v.Kind == KindInt) {
		return int(v.Num)
	}
	return def
}

// Bool 返回布尔指令，缺失时返回默认值。
func (s Set) Bool(key string, def bool) bool {
	if v, ok := s.values[key]; ok && v.Kind == KindBool {
		return v.Flag
	}
	return def
}

// Mission 返回当前的任务描述。
func (s Set) Mission() string { return s.String(KeyMission, "") }

// EmergencyStop 判断是否收到紧急停止指令。
func (s Set) EmergencyStop() bool { return s.Bool(KeyEmergencyStop, false) }

// Allocations 返回 allocation.<id 或 role> 形式的百分比配置。
func (s Set) Allocations() map[string]float64 {
	out := make(map[string]float64)
	for key, v := range s.values {
		if strings.HasPrefix(key, AllocationPrefix) {
			out[strings.TrimPrefix(key, AllocationPrefix)] = v.Num
		}
	}
	return out
}

// Keys 返回排序后的键列表，主要用于日志与提示词构建。
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Raw 以字符串形式导出全部键值。
func (s Set) Raw() map[string]string {
	out := make(map[string]string, len(s.values))
	for key, v := range s.values {
		switch v.Kind {
		case KindBool:
			out[key] = strconv.FormatBool(v.Flag)
		case KindFloat, KindInt:
			out[key] = strconv.FormatFloat(v.Num, 'f', -1, 64)
		default:
			out[key] = v.Str
		}
	}
	return out
}

// Source 在每个周期开始时提供最新的指令集。
type Source interface {
	Load(ctx context.Context) (Set, error)
}
