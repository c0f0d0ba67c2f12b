package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/pkg/logger"
)

// EnvConfigPath 可覆盖默认的配置文件路径。
const EnvConfigPath = "FLEET_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
const DefaultPath = "configs/fleet.json"

// Config 描述了 fleetd 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     logger.Config     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Events      EventsConfig      `json:"events"`
	Web3        Web3Config        `json:"web3"`
	Market      MarketConfig      `json:"market"`
	Planner     PlannerConfig     `json:"planner"`
	Directives  DirectivesConfig  `json:"directives"`
	Policy      PolicyConfig      `json:"policy"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Agents      []AgentConfig     `json:"agents"`
	Metrics     MetricsConfig     `json:"metrics"`
	Alerting    AlertingConfig    `json:"alerting"`
	Auth        AuthConfig        `json:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述事件、决策与周期记录的持久化方式。
type StorageConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	DataDir         string   `json:"data_dir"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
}

// EventsConfig 控制事件总线容量以及外部 sink。
type EventsConfig struct {
	Capacity       int          `json:"capacity"`
	Audit          bool         `json:"audit"`
	Persist        bool         `json:"persist"`
	DeliverTimeout Duration     `json:"deliver_timeout"`
	Redis          RedisConfig  `json:"redis"`
	RabbitMQ       RabbitConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接以及事件列表设置。
type RedisConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	HistoryKey string `json:"history_key"`
	Channel    string `json:"channel"`
	MaxHistory int64  `json:"max_history"`
}

// RabbitConfig 描述 RabbitMQ 事件队列。
type RabbitConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// Web3Config 描述钱包所在的链。
type Web3Config struct {
	// Mode 为 ethereum 或 ledger（内存账本，演练用）。
	Mode         string       `json:"mode"`
	ChainConfig  string       `json:"chain_config"`
	DefaultChain string       `json:"default_chain"`
	RPCURL       string       `json:"rpc_url"`
	Ledger       LedgerConfig `json:"ledger"`
}

// LedgerConfig 为内存账本预置余额，键为地址。
type LedgerConfig struct {
	Balances map[string]float64 `json:"balances"`
}

// MarketConfig 描述报价、风控与价格服务。
type MarketConfig struct {
	QuoteURL string   `json:"quote_url"`
	RiskURL  string   `json:"risk_url"`
	PriceURL string   `json:"price_url"`
	APIKey   string   `json:"api_key"`
	Timeout  Duration `json:"timeout"`
}

// PlannerConfig 选择推理方式。
type PlannerConfig struct {
	// Provider 为 rule 或 openai。
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`

	// Playbook 是可选的操作手册 JSON 文件，仅大模型 planner 使用。
	Playbook        string `json:"playbook"`
	PlaybookResults int    `json:"playbook_results"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKeyEnv   string   `json:"api_key_env"`
	BaseURL     string   `json:"base_url"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	Timeout     Duration `json:"timeout"`
}

// DirectivesConfig 描述指令来源。
type DirectivesConfig struct {
	// Driver 为 static 或 redis。
	Driver  string            `json:"driver"`
	Key     string            `json:"key"`
	Initial map[string]string `json:"initial"`
}

// PolicyConfig 描述策略规则文件与降级模式。
type PolicyConfig struct {
	RuleBook string `json:"rule_book"`
	// FallbackMode 为 conservative 或 permissive。
	FallbackMode string `json:"fallback_mode"`
}

// CoordinatorConfig 描述资金调度相关阈值。GasReserve、DustThreshold 与 Precision
// 缺省时取默认值，显式写 0 时保留 0。
type CoordinatorConfig struct {
	VaultID             string             `json:"vault_id"`
	VaultKeyEnv         string             `json:"vault_key_env"`
	VaultAddress        string             `json:"vault_address"`
	GasReserve          *float64           `json:"gas_reserve"`
	DustThreshold       *float64           `json:"dust_threshold"`
	VaultReserve        float64            `json:"vault_reserve"`
	MinDistributable    float64            `json:"min_distributable"`
	Precision           *int               `json:"precision"`
	ProtectedIDs        []string           `json:"protected_ids"`
	RoleWeights         map[string]float64 `json:"role_weights"`
	DefaultInterval     Duration           `json:"default_interval"`
	HistoryCap          int                `json:"history_cap"`
	MissionTargetCycles int                `json:"mission_target_cycles"`
}

// AgentConfig 描述一个在启动时注册的智能体。
type AgentConfig struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	KeyEnv    string   `json:"key_env"`
	Address   string   `json:"address"`
	Chain     string   `json:"chain"`
	Assets    []string `json:"assets"`
	Interval  Duration `json:"interval"`
	Autostart bool     `json:"autostart"`
}

// MetricsConfig 描述指标服务。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 描述告警通知方式。
type AlertingConfig struct {
	WebhookURL string   `json:"webhook_url"`
	Timeout    Duration `json:"timeout"`
}

// AuthConfig 描述运维接口的认证方式。
type AuthConfig struct {
	// Mode 为 disabled、apikey 或 jwt。
	Mode      string         `json:"mode"`
	SecretEnv string         `json:"secret_env"`
	Issuer    string         `json:"issuer"`
	TokenTTL  Duration       `json:"token_ttl"`
	Keys      []APIKeyConfig `json:"keys"`
}

// APIKeyConfig 描述一个运维密钥，密钥本身从环境变量读取。
type APIKeyConfig struct {
	Name        string   `json:"name"`
	KeyEnv      string   `json:"key_env"`
	Permissions []string `json:"permissions"`
}

// Duration 支持在 JSON 中使用 "30s" 这样的字符串或纳秒数。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("无法解析时长 %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("时长必须是字符串或整数: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ResolvePath 返回环境变量或默认的配置文件路径。
func ResolvePath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。格式错误或取值非法时返回 ConfigError。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir, "data")

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Events.DeliverTimeout == 0 {
		c.Events.DeliverTimeout = Duration(5 * time.Second)
	}
	if c.Events.Capacity == 0 {
		c.Events.Capacity = 500
	}

	if c.Web3.Mode == "" {
		c.Web3.Mode = "ledger"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Market.Timeout == 0 {
		c.Market.Timeout = Duration(10 * time.Second)
	}

	if c.Planner.Provider == "" {
		c.Planner.Provider = "rule"
	}
	if c.Planner.OpenAI.APIKeyEnv == "" {
		c.Planner.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Planner.OpenAI.Timeout == 0 {
		c.Planner.OpenAI.Timeout = Duration(30 * time.Second)
	}

	if c.Directives.Driver == "" {
		c.Directives.Driver = "static"
	}
	if c.Directives.Key == "" {
		c.Directives.Key = "fleet:directives"
	}

	if c.Planner.Playbook != "" && !filepath.IsAbs(c.Planner.Playbook) {
		c.Planner.Playbook = filepath.Join(baseDir, c.Planner.Playbook)
	}
	if c.Policy.RuleBook != "" && !filepath.IsAbs(c.Policy.RuleBook) {
		c.Policy.RuleBook = filepath.Join(baseDir, c.Policy.RuleBook)
	}
	if c.Policy.FallbackMode == "" {
		c.Policy.FallbackMode = "conservative"
	}

	co := &c.Coordinator
	if co.VaultID == "" {
		co.VaultID = "vault"
	}
	if co.GasReserve == nil {
		co.GasReserve = ptr(0.005)
	}
	if co.DustThreshold == nil {
		co.DustThreshold = ptr(0.001)
	}
	if co.Precision == nil {
		co.Precision = ptr(6)
	}
	if co.DefaultInterval == 0 {
		co.DefaultInterval = Duration(time.Minute)
	}
	if co.HistoryCap == 0 {
		co.HistoryCap = 100
	}
	if co.MissionTargetCycles == 0 {
		co.MissionTargetCycles = 100
	}

	for i := range c.Agents {
		if c.Agents[i].Interval == 0 {
			c.Agents[i].Interval = co.DefaultInterval
		}
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Alerting.Timeout == 0 {
		c.Alerting.Timeout = Duration(5 * time.Second)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Mode == "jwt" && c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "FLEET_JWT_SECRET"
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查配置取值，任何非法值都会阻止启动。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return xerrors.ConfigError("未知的存储驱动 %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return xerrors.ConfigError("mysql 存储需要配置 dsn")
	}
	if c.Events.Capacity < 0 {
		return xerrors.ConfigError("events.capacity %d < 0", c.Events.Capacity)
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Address == "" {
		return xerrors.ConfigError("启用 Redis sink 时 address 不能为空")
	}
	if c.Events.RabbitMQ.Enabled && c.Events.RabbitMQ.URL == "" {
		return xerrors.ConfigError("启用 RabbitMQ sink 时 url 不能为空")
	}
	switch c.Web3.Mode {
	case "ethereum", "ledger":
	default:
		return xerrors.ConfigError("未知的 web3 模式 %q", c.Web3.Mode)
	}
	switch c.Planner.Provider {
	case "rule", "openai":
	default:
		return xerrors.ConfigError("未知的 planner %q", c.Planner.Provider)
	}
	switch c.Directives.Driver {
	case "static":
	case "redis":
		if c.Events.Redis.Address == "" {
			return xerrors.ConfigError("redis 指令源需要配置 events.redis.address")
		}
	default:
		return xerrors.ConfigError("未知的指令源 %q", c.Directives.Driver)
	}
	switch c.Auth.Mode {
	case "disabled", "jwt":
	case "apikey":
		if len(c.Auth.Keys) == 0 {
			return xerrors.ConfigError("apikey 认证至少需要一个密钥")
		}
		for _, key := range c.Auth.Keys {
			if key.Name == "" || key.KeyEnv == "" {
				return xerrors.ConfigError("运维密钥需要 name 与 key_env")
			}
		}
	default:
		return xerrors.ConfigError("未知的认证模式 %q", c.Auth.Mode)
	}
	switch c.Policy.FallbackMode {
	case "conservative", "permissive":
	default:
		return xerrors.ConfigError("未知的降级模式 %q", c.Policy.FallbackMode)
	}

	co := c.Coordinator
	for name, value := range map[string]float64{
		"gas_reserve":       deref(co.GasReserve),
		"dust_threshold":    deref(co.DustThreshold),
		"vault_reserve":     co.VaultReserve,
		"min_distributable": co.MinDistributable,
	} {
		if value < 0 {
			return xerrors.ConfigError("coordinator.%s %v < 0", name, value)
		}
	}
	if precision := deref(co.Precision); precision < 0 || precision > 18 {
		return xerrors.ConfigError("coordinator.precision %d 超出范围 [0, 18]", precision)
	}
	for role, weight := range co.RoleWeights {
		if weight < 0 {
			return xerrors.ConfigError("角色 %s 的权重 %v < 0", role, weight)
		}
	}
	if c.Web3.Mode == "ethereum" && co.VaultKeyEnv == "" {
		return xerrors.ConfigError("ethereum 模式需要 coordinator.vault_key_env")
	}
	if c.Web3.Mode == "ledger" && co.VaultAddress == "" {
		return xerrors.ConfigError("ledger 模式需要 coordinator.vault_address")
	}
	if co.DefaultInterval.Std() <= 0 {
		return xerrors.ConfigError("coordinator.default_interval 必须大于 0")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, agent := range c.Agents {
		id := strings.TrimSpace(agent.ID)
		if id == "" {
			return xerrors.ConfigError("智能体 id 不能为空")
		}
		if id == co.VaultID {
			return xerrors.ConfigError("智能体 id %s 与金库 id 冲突", id)
		}
		if _, dup := seen[id]; dup {
			return xerrors.ConfigError("智能体 id %s 重复", id)
		}
		seen[id] = struct{}{}
		if agent.Interval.Std() <= 0 {
			return xerrors.ConfigError("智能体 %s 的 interval 必须大于 0", id)
		}
		if c.Web3.Mode == "ethereum" && agent.KeyEnv == "" {
			return xerrors.ConfigError("智能体 %s 缺少 key_env", id)
		}
		if c.Web3.Mode == "ledger" && agent.Address == "" {
			return xerrors.ConfigError("智能体 %s 在 ledger 模式下需要 address", id)
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
