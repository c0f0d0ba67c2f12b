package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of chain access a wallet needs. Both ethclient and
// the simulated backend satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config describes how to reach an EVM compatible chain.
type Config struct {
	Name         string
	RPCURL       string
	NativeSymbol string
	Notes        string
}

// Client owns the connection to one chain and hands out wallets bound to it.
type Client struct {
	name         string
	nativeSymbol string
	notes        string
	rpcClient    *gethrpc.Client
	backend      Backend
	chainID      *big.Int
	// commit mines pending transactions on simulated chains.
	commit func()
}

// NewClient dials the configured RPC endpoint and resolves the chain id.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	return &Client{
		name:         cfg.Name,
		nativeSymbol: nativeOrDefault(cfg.NativeSymbol),
		notes:        cfg.Notes,
		rpcClient:    rpcClient,
		backend:      eth,
		chainID:      chainID,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:         name,
		nativeSymbol: "ETH",
		notes:        "simulated backend",
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		commit:       func() { backend.Commit() },
	}
}

// Name returns the chain name from the chain definitions.
func (c *Client) Name() string { return c.name }

// ChainID returns the resolved chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func nativeOrDefault(symbol string) string {
	if s := strings.TrimSpace(symbol); s != "" {
		return s
	}
	return "ETH"
}
