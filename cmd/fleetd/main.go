package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"OpenMCP-Fleet/internal/api"
	"OpenMCP-Fleet/internal/auth"
	"OpenMCP-Fleet/internal/config"
	"OpenMCP-Fleet/internal/coordinator"
	"OpenMCP-Fleet/internal/directive"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/events/sink"
	"OpenMCP-Fleet/internal/knowledge"
	"OpenMCP-Fleet/internal/llm/openai"
	"OpenMCP-Fleet/internal/market"
	"OpenMCP-Fleet/internal/observability/alerting"
	"OpenMCP-Fleet/internal/observability/metrics"
	"OpenMCP-Fleet/internal/planner"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/storage/mysql"
	redisstore "OpenMCP-Fleet/internal/storage/redis"
	"OpenMCP-Fleet/internal/web3/ledger"
	"OpenMCP-Fleet/internal/web3/provider"
	"OpenMCP-Fleet/pkg/logger"
)

// main 是舰队守护进程的入口。
//
//	fleetd [--config path] [--env-file path]
//	fleetd token <name> [--perms fleet:read,fleet:operate] [--ttl 12h]
func main() {
	flagSet := pflag.NewFlagSet("fleetd", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "配置文件路径，默认读取 $FLEET_CONFIG 或 configs/fleet.json")
	envFile := flagSet.String("env-file", ".env", "启动前加载的环境变量文件，不存在时忽略")
	perms := flagSet.StringSlice("perms", []string{auth.PermissionRead}, "token 子命令签发的权限")
	ttl := flagSet.Duration("ttl", 0, "token 子命令签发的有效期，0 表示使用配置值")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("解析参数失败: %v", err)
	}

	// 生产环境通常没有 .env，加载失败不影响启动。
	_ = godotenv.Load(*envFile)

	path := *configPath
	if path == "" {
		path = config.ResolvePath()
	}

	if args := flagSet.Args(); len(args) > 0 {
		if args[0] != "token" || len(args) != 2 {
			log.Fatalf("用法: fleetd token <name> [--perms ...] [--ttl ...]")
		}
		if err := issueToken(path, args[1], *perms, *ttl); err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, path); err != nil {
		log.Fatalf("fleetd 运行失败: %v", err)
	}
}

// issueToken 在 jwt 模式下为运维人员签发令牌并打印到标准输出。
func issueToken(path, name string, perms []string, ttl time.Duration) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	svc, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL.Std()
	}
	token, expires, err := svc.IssueToken(name, perms, ttl)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n# expires %s\n", token, expires.Format(time.RFC3339))
	return nil
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	fleetLog := logger.Named("fleetd")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.New(events.WithCapacity(cfg.Events.Capacity))
	attachments, err := attachSinks(ctx, bus, cfg, store)
	if err != nil {
		return err
	}
	defer func() {
		for _, a := range attachments {
			if err := a.Close(); err != nil {
				fleetLog.Warn("关闭事件 sink 失败", slog.Any("error", err))
			}
		}
	}()

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()
	if l := registry.Ledger(); l != nil {
		fleetLog.Warn("钱包运行在内存账本模式，不会广播任何交易",
			slog.Float64("vault_balance", l.BalanceOf(cfg.Coordinator.VaultAddress, ledger.NativeAsset)))
	} else {
		fleetLog.Info("已连接链", slog.Any("chains", registry.Chains()))
	}

	vault, err := registry.Wallet(provider.WalletSpec{
		ID:      cfg.Coordinator.VaultID,
		KeyEnv:  cfg.Coordinator.VaultKeyEnv,
		Address: cfg.Coordinator.VaultAddress,
	})
	if err != nil {
		return err
	}

	fleetPlanner, err := createPlanner(cfg.Planner)
	if err != nil {
		return err
	}

	directives, closeDirectives, err := openDirectives(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDirectives()

	ruleBook, err := policy.LoadRuleBook(cfg.Policy.RuleBook)
	if err != nil {
		return err
	}
	fallback, err := policy.ParseFallbackMode(cfg.Policy.FallbackMode)
	if err != nil {
		return err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout.Std()))
	}

	deps := coordinator.Dependencies{
		Vault:            vault,
		Planner:          fleetPlanner,
		Directives:       directives,
		Publisher:        bus,
		RuleBook:         ruleBook,
		FallbackMode:     fallback,
		DecisionRecorder: store,
		CycleRecorder:    store,
		Metrics:          metrics.Default,
		Alerts:           alerting.NewFanout(notifiers...),
	}
	wireMarket(&deps, cfg.Market)

	co := cfg.Coordinator
	fleet, err := coordinator.New(coordinator.Config{
		VaultID:             co.VaultID,
		GasReserve:          *co.GasReserve,
		DustThreshold:       *co.DustThreshold,
		VaultReserve:        co.VaultReserve,
		MinDistributable:    co.MinDistributable,
		Precision:           *co.Precision,
		ProtectedIDs:        co.ProtectedIDs,
		RoleWeights:         co.RoleWeights,
		DefaultInterval:     co.DefaultInterval.Std(),
		HistoryCap:          co.HistoryCap,
		MissionTargetCycles: co.MissionTargetCycles,
	}, deps)
	if err != nil {
		return err
	}
	defer fleet.Shutdown()

	for _, agentCfg := range cfg.Agents {
		wallet, err := registry.Wallet(provider.WalletSpec{
			ID:      agentCfg.ID,
			Chain:   agentCfg.Chain,
			KeyEnv:  agentCfg.KeyEnv,
			Address: agentCfg.Address,
		})
		if err != nil {
			return err
		}
		info, err := fleet.RegisterAgent(wallet, coordinator.AgentOptions{
			ID:        agentCfg.ID,
			Role:      agentCfg.Role,
			Assets:    agentCfg.Assets,
			Interval:  agentCfg.Interval.Std(),
			Autostart: agentCfg.Autostart,
		})
		if err != nil {
			return err
		}
		fleetLog.Info("智能体已注册", slog.String("agent_id", info.ID), slog.String("address", info.Address), slog.String("state", string(info.State)))
	}

	if set, err := directives.Load(ctx); err == nil && set.Mission() != "" {
		fleet.SetMission(set.Mission(), 0)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				fleetLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authSvc, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}
	fleetLog.Info("运维认证模式", slog.String("mode", string(authSvc.Mode())))

	server := api.NewServer(cfg.Server.Address, fleet,
		api.WithEvents(bus),
		api.WithHistory(store, store),
		api.WithAuth(authSvc),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fleetLog.Info("收到退出信号，正在停止舰队")
	return nil
}

// newAuthService 从环境变量解析密钥后构造运维认证服务。
func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	authCfg := auth.Config{
		Mode:     auth.Mode(cfg.Mode),
		Issuer:   cfg.Issuer,
		TokenTTL: cfg.TokenTTL.Std(),
	}
	if cfg.SecretEnv != "" {
		authCfg.Secret = os.Getenv(cfg.SecretEnv)
	}
	for _, key := range cfg.Keys {
		authCfg.Keys = append(authCfg.Keys, auth.APIKey{
			Name:        key.Name,
			Key:         strings.TrimSpace(os.Getenv(key.KeyEnv)),
			Permissions: key.Permissions,
		})
	}
	return auth.NewService(authCfg)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (mysql.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return mysql.NewSQLStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
		})
	default:
		return mysql.NewMemoryStore(cfg.DataDir)
	}
}

func attachSinks(ctx context.Context, bus *events.Bus, cfg *config.Config, store mysql.Store) ([]*sink.Attachment, error) {
	var attachments []*sink.Attachment
	timeout := sink.WithDeliverTimeout(cfg.Events.DeliverTimeout.Std())
	if cfg.Events.Audit {
		attachments = append(attachments, sink.Attach(bus, sink.NewAuditSink(logger.Audit()), timeout))
	}
	if cfg.Events.Persist {
		attachments = append(attachments, sink.Attach(bus, sink.NewRepositorySink(store), timeout))
	}
	if r := cfg.Events.Redis; r.Enabled {
		redisSink, err := sink.NewRedisSink(ctx, sink.RedisConfig{
			Address:    r.Address,
			Password:   r.Password,
			DB:         r.DB,
			HistoryKey: r.HistoryKey,
			Channel:    r.Channel,
			MaxHistory: r.MaxHistory,
		})
		if err != nil {
			return closeAttachments(attachments, err)
		}
		attachments = append(attachments, sink.Attach(bus, redisSink, timeout))
	}
	if mq := cfg.Events.RabbitMQ; mq.Enabled {
		mqSink, err := sink.NewRabbitMQSink(sink.RabbitMQConfig{
			URL:     mq.URL,
			Queue:   mq.Queue,
			Durable: mq.Durable,
		})
		if err != nil {
			return closeAttachments(attachments, err)
		}
		attachments = append(attachments, sink.Attach(bus, mqSink, timeout))
	}
	return attachments, nil
}

func closeAttachments(attachments []*sink.Attachment, cause error) ([]*sink.Attachment, error) {
	for _, a := range attachments {
		_ = a.Close()
	}
	return nil, cause
}

func createPlanner(cfg config.PlannerConfig) (planner.Planner, error) {
	rule := planner.NewRuleBased()
	switch cfg.Provider {
	case "", "rule":
		return rule, nil
	case "openai":
		apiKey := strings.TrimSpace(os.Getenv(cfg.OpenAI.APIKeyEnv))
		if apiKey == "" {
			return nil, xerrors.ConfigError("OpenAI planner 需要设置环境变量 %s", cfg.OpenAI.APIKeyEnv)
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Timeout:     cfg.OpenAI.Timeout.Std(),
			Temperature: cfg.OpenAI.Temperature,
		})
		if err != nil {
			return nil, err
		}
		var opts []planner.LLMOption
		if cfg.Playbook != "" {
			book, err := knowledge.LoadPlaybook(cfg.Playbook, cfg.PlaybookResults)
			if err != nil {
				return nil, err
			}
			opts = append(opts, planner.WithPlaybook(book))
		}
		return planner.WithFallback(planner.NewLLM(client, opts...), rule), nil
	default:
		return nil, xerrors.ConfigError("未知的 planner %q", cfg.Provider)
	}
}

func openDirectives(ctx context.Context, cfg *config.Config) (directive.Source, func(), error) {
	if cfg.Directives.Driver == "redis" {
		source, err := redisstore.NewDirectiveSource(ctx, redisstore.Config{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Key:      cfg.Directives.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		if len(cfg.Directives.Initial) > 0 {
			if _, err := source.Update(ctx, cfg.Directives.Initial); err != nil {
				_ = source.Close()
				return nil, nil, err
			}
		}
		return source, func() { _ = source.Close() }, nil
	}

	source, err := directive.NewStatic(cfg.Directives.Initial)
	if err != nil {
		return nil, nil, err
	}
	return source, func() {}, nil
}

// wireMarket 只接入配置了地址的市场服务，缺失的服务由闸门按降级模式处理。
func wireMarket(deps *coordinator.Dependencies, cfg config.MarketConfig) {
	client := market.NewClient(market.Config{
		QuoteURL: cfg.QuoteURL,
		RiskURL:  cfg.RiskURL,
		PriceURL: cfg.PriceURL,
		APIKey:   cfg.APIKey,
		Timeout:  cfg.Timeout.Std(),
	})
	if cfg.QuoteURL != "" {
		deps.Quotes = client
	}
	if cfg.RiskURL != "" {
		deps.Risk = client
	}
	if cfg.PriceURL != "" {
		deps.Prices = client
	}
}
