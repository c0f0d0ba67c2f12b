// Package ledger keeps wallet balances in memory. It backs dry-run
// deployments and tests that need to observe every wallet call.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/web3"
	"OpenMCP-Fleet/internal/web3/units"
)

// NativeAsset 是账本中原生资产的符号。
const NativeAsset = "ETH"

// Transfer 记录一笔已完成的转账。
type Transfer struct {
	TxHash string
	From   string
	To     string
	Asset  string
	Amount float64
}

// Ledger 是多个钱包共享的内存账本。
type Ledger struct {
	mu        sync.Mutex
	balances  map[string]map[string]float64
	transfers []Transfer
	calls     map[string]int
	failing   map[string]error
}

// New 创建空账本。
func New() *Ledger {
	return &Ledger{
		balances: make(map[string]map[string]float64),
		calls:    make(map[string]int),
		failing:  make(map[string]error),
	}
}

func key(address string) string { return strings.ToLower(strings.TrimSpace(address)) }

// Fund 设置地址的资产余额。
func (l *Ledger) Fund(address, asset string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.account(address)
	acct[strings.ToUpper(asset)] = amount
}

func (l *Ledger) account(address string) map[string]float64 {
	k := key(address)
	acct, ok := l.balances[k]
	if !ok {
		acct = make(map[string]float64)
		l.balances[k] = acct
	}
	return acct
}

// FailTransfers 让指定地址后续的转账以 SigningError 失败，err 为 nil 时恢复。
func (l *Ledger) FailTransfers(address string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failing, key(address))
		return
	}
	l.failing[key(address)] = err
}

// BalanceOf 返回地址的资产余额。
func (l *Ledger) BalanceOf(address, asset string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key(address)][strings.ToUpper(asset)]
}

// Transfers 返回已完成转账的副本。
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// Calls 返回地址上发生的钱包调用次数。
func (l *Ledger) Calls(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key(address)]
}

// Wallet 返回绑定到地址的钱包视图。
func (l *Ledger) Wallet(address string) *Wallet {
	return &Wallet{ledger: l, address: address}
}

func (l *Ledger) move(from, to, asset string, amount float64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key(from)]++

	if err, ok := l.failing[key(from)]; ok {
		return "", xerrors.SigningError(err, "广播交易失败")
	}
	if amount <= 0 || math.IsNaN(amount) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的转账金额 %v", amount))
	}
	src := l.account(from)
	if src[asset] < amount {
		return "", xerrors.SigningError(fmt.Errorf("余额 %v 不足以支付 %v", src[asset], amount), "广播交易失败")
	}
	src[asset] -= amount
	l.account(to)[asset] += amount

	hash := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	l.transfers = append(l.transfers, Transfer{TxHash: hash, From: from, To: to, Asset: asset, Amount: amount})
	return hash, nil
}

// Wallet 是账本中的单个钱包。
type Wallet struct {
	ledger  *Ledger
	address string
}

// Address implements web3.Wallet.
func (w *Wallet) Address() string { return w.address }

// Balance implements web3.Wallet.
func (w *Wallet) Balance(ctx context.Context) (float64, error) {
	return w.AssetBalance(ctx, NativeAsset)
}

// AssetBalance implements web3.Wallet.
func (w *Wallet) AssetBalance(_ context.Context, asset string) (float64, error) {
	if asset == "" {
		asset = NativeAsset
	}
	w.ledger.mu.Lock()
	defer w.ledger.mu.Unlock()
	w.ledger.calls[key(w.address)]++
	return w.ledger.balances[key(w.address)][strings.ToUpper(asset)], nil
}

// Transfer implements web3.Wallet.
func (w *Wallet) Transfer(_ context.Context, to string, amount float64) (string, error) {
	return w.ledger.move(w.address, to, NativeAsset, amount)
}

// SignAndSubmit implements web3.Wallet by applying the transaction value to
// the ledger.
func (w *Wallet) SignAndSubmit(_ context.Context, tx *types.Transaction) (string, error) {
	if tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	to := common.Address{}
	if tx.To() != nil {
		to = *tx.To()
	}
	amount := units.FromBase(tx.Value(), 18)
	if amount == 0 {
		w.ledger.mu.Lock()
		w.ledger.calls[key(w.address)]++
		w.ledger.mu.Unlock()
		return tx.Hash().Hex(), nil
	}
	return w.ledger.move(w.address, to.Hex(), NativeAsset, amount)
}

var _ web3.Wallet = (*Wallet)(nil)
