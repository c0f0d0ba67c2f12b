package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
)

// Wallet 是调度器与协调器使用的钱包契约，金额以链原生单位（如 ETH）计。
type Wallet interface {
	// Address 返回钱包地址。
	Address() string
	// Balance 返回原生资产余额。
	Balance(ctx context.Context) (float64, error)
	// AssetBalance 返回指定资产余额，原生资产符号等价于 Balance。
	AssetBalance(ctx context.Context, asset string) (float64, error)
	// Transfer 签名并广播一笔原生资产转账，失败时返回 SigningError。
	Transfer(ctx context.Context, to string, amount float64) (string, error)
	// SignAndSubmit 签名并广播外部准备好的交易。
	SignAndSubmit(ctx context.Context, tx *types.Transaction) (string, error)
}

// TokenDefinition 描述一个可查询余额的 ERC-20 资产。
type TokenDefinition struct {
	Address  string `yaml:"address" json:"address"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}
