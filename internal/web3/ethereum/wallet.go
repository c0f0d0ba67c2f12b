package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/web3"
	"OpenMCP-Fleet/internal/web3/units"
)

const (
	nativeDecimals   = 18
	transferGasLimit = 21_000
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Wallet signs and broadcasts transactions for a single key on one chain.
type Wallet struct {
	client *Client
	key    *ecdsa.PrivateKey
	from   common.Address
	tokens map[string]web3.TokenDefinition

	// 串行化 nonce 获取与广播。
	mu sync.Mutex
}

// NewWallet binds a private key to the chain client.
func (c *Client) NewWallet(key *ecdsa.PrivateKey, tokens map[string]web3.TokenDefinition) *Wallet {
	normalized := make(map[string]web3.TokenDefinition, len(tokens))
	for symbol, def := range tokens {
		normalized[strings.ToUpper(symbol)] = def
	}
	return &Wallet{
		client: c,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		tokens: normalized,
	}
}

// NewWalletFromHex parses a hex encoded private key.
func (c *Client) NewWalletFromHex(hexKey string, tokens map[string]web3.TokenDefinition) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.ConfigError("解析私钥失败: %v", err)
	}
	return c.NewWallet(key, tokens), nil
}

// Address implements web3.Wallet.
func (w *Wallet) Address() string { return w.from.Hex() }

// Balance implements web3.Wallet.
func (w *Wallet) Balance(ctx context.Context) (float64, error) {
	wei, err := w.client.backend.BalanceAt(ctx, w.from, nil)
	if err != nil {
		return 0, xerrors.ServiceError("balance", err)
	}
	return units.FromBase(wei, nativeDecimals), nil
}

// AssetBalance implements web3.Wallet. ERC-20 balances are read through balanceOf.
func (w *Wallet) AssetBalance(ctx context.Context, asset string) (float64, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == "" || symbol == strings.ToUpper(w.client.nativeSymbol) {
		return w.Balance(ctx)
	}
	token, ok := w.tokens[symbol]
	if !ok {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未配置资产 %s", asset))
	}
	contract := common.HexToAddress(token.Address)
	data, err := erc20ABI.Pack("balanceOf", w.from)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 balanceOf 调用失败")
	}
	out, err := w.client.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, xerrors.ServiceError("balanceOf", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return 0, xerrors.ServiceError("balanceOf", fmt.Errorf("无法解析返回值: %v", err))
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return 0, xerrors.ServiceError("balanceOf", fmt.Errorf("返回值类型异常 %T", values[0]))
	}
	return units.FromBase(raw, token.Decimals), nil
}

// Transfer implements web3.Wallet using an EIP-1559 transaction.
func (w *Wallet) Transfer(ctx context.Context, to string, amount float64) (string, error) {
	if !common.IsHexAddress(to) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的目标地址 %s", to))
	}
	target := common.HexToAddress(to)
	value := units.ToBase(amount, nativeDecimals)

	w.mu.Lock()
	defer w.mu.Unlock()

	backend := w.client.backend
	nonce, err := backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", xerrors.SigningError(err, "获取 nonce 失败")
	}
	tipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", xerrors.SigningError(err, "获取小费估算失败")
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", xerrors.SigningError(err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   w.client.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       transferGasLimit,
		To:        &target,
		Value:     value,
	})
	return w.signAndSend(ctx, tx)
}

// SignAndSubmit implements web3.Wallet. Already signed transactions are
// broadcast unchanged.
func (w *Wallet) SignAndSubmit(ctx context.Context, tx *coretypes.Transaction) (string, error) {
	if tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	_, r, s := tx.RawSignatureValues()
	if r != nil && s != nil && (r.Sign() != 0 || s.Sign() != 0) {
		if err := w.client.backend.SendTransaction(ctx, tx); err != nil {
			return "", xerrors.SigningError(err, "广播交易失败")
		}
		w.mine()
		return tx.Hash().Hex(), nil
	}
	return w.signAndSend(ctx, tx)
}

func (w *Wallet) signAndSend(ctx context.Context, tx *coretypes.Transaction) (string, error) {
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(w.client.chainID), w.key)
	if err != nil {
		return "", xerrors.SigningError(err, "签名交易失败")
	}
	if err := w.client.backend.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.SigningError(err, "广播交易失败")
	}
	w.mine()
	return signed.Hash().Hex(), nil
}

func (w *Wallet) mine() {
	if w.client.commit != nil {
		w.client.commit()
	}
}

var _ web3.Wallet = (*Wallet)(nil)
