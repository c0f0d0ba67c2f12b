package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"OpenMCP-Fleet/internal/config"
	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/web3"
	"OpenMCP-Fleet/internal/web3/ethereum"
	"OpenMCP-Fleet/internal/web3/ledger"
)

// WalletSpec 描述如何为一个身份构建钱包。
type WalletSpec struct {
	ID      string
	Chain   string
	KeyEnv  string
	Address string
}

// Registry manages chain clients keyed by name and builds wallets on them.
type Registry struct {
	mode         string
	defaultChain string
	clients      map[string]*ethereum.Client
	tokens       map[string]map[string]web3.TokenDefinition
	ledger       *ledger.Ledger
}

// NewRegistry loads chain definitions and instantiates concrete clients. In
// ledger mode no chain is dialled and wallets share one in-memory ledger.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	if strings.EqualFold(cfg.Mode, "ledger") {
		l := ledger.New()
		for address, balance := range cfg.Ledger.Balances {
			l.Fund(address, ledger.NativeAsset, balance)
		}
		return &Registry{mode: "ledger", ledger: l}, nil
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*ethereum.Client)
	tokens := make(map[string]map[string]web3.TokenDefinition)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:         name,
				RPCURL:       chain.RPCURL,
				NativeSymbol: chain.NativeSymbol,
				Notes:        chain.Description,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
			tokens[name] = chain.Tokens
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{mode: "ethereum", defaultChain: defaultChain, clients: clients, tokens: tokens}, nil
}

// NewLedgerRegistry wraps an existing ledger, mainly for tests.
func NewLedgerRegistry(l *ledger.Ledger) *Registry {
	return &Registry{mode: "ledger", ledger: l}
}

// Ledger returns the in-memory ledger when running in ledger mode.
func (r *Registry) Ledger() *ledger.Ledger {
	return r.ledger
}

// Wallet builds the wallet described by spec.
func (r *Registry) Wallet(spec WalletSpec) (web3.Wallet, error) {
	if r == nil {
		return nil, errors.New("未初始化的钱包注册表")
	}
	if r.mode == "ledger" {
		if strings.TrimSpace(spec.Address) == "" {
			return nil, xerrors.ConfigError("%s 在 ledger 模式下缺少地址", spec.ID)
		}
		return r.ledger.Wallet(spec.Address), nil
	}

	chain := spec.Chain
	if chain == "" {
		chain = r.defaultChain
	}
	client, ok := r.clients[chain]
	if !ok {
		return nil, xerrors.ConfigError("%s 引用了未配置的链 %s", spec.ID, chain)
	}
	hexKey := strings.TrimSpace(os.Getenv(spec.KeyEnv))
	if hexKey == "" {
		return nil, xerrors.ConfigError("环境变量 %s 未设置 %s 的私钥", spec.KeyEnv, spec.ID)
	}
	return client.NewWalletFromHex(hexKey, r.tokens[chain])
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]*ethereum.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
