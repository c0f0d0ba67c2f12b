package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Fleet/internal/errors"
)

func TestTransferMovesFunds(t *testing.T) {
	l := New()
	l.Fund("0xA", NativeAsset, 2)
	w := l.Wallet("0xA")

	hash, err := w.Transfer(context.Background(), "0xB", 0.5)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, 1.5, l.BalanceOf("0xa", NativeAsset))
	assert.Equal(t, 0.5, l.BalanceOf("0xB", NativeAsset))
	require.Len(t, l.Transfers(), 1)
	assert.Equal(t, 1, l.Calls("0xA"))
}

func TestTransferFailuresAreSigningErrors(t *testing.T) {
	l := New()
	l.Fund("0xA", NativeAsset, 1)
	w := l.Wallet("0xA")

	_, err := w.Transfer(context.Background(), "0xB", 5)
	assert.Equal(t, xerrors.CodeSigningFailed, xerrors.CodeOf(err))

	l.FailTransfers("0xA", errors.New("nonce too low"))
	_, err = w.Transfer(context.Background(), "0xB", 0.1)
	assert.Equal(t, xerrors.CodeSigningFailed, xerrors.CodeOf(err))
	assert.Equal(t, 1.0, l.BalanceOf("0xA", NativeAsset))

	l.FailTransfers("0xA", nil)
	_, err = w.Transfer(context.Background(), "0xB", 0.1)
	require.NoError(t, err)
}

func TestSignAndSubmitAppliesValue(t *testing.T) {
	l := New()
	l.Fund("0xA", NativeAsset, 1)
	to := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	tx := types.NewTx(&types.DynamicFeeTx{To: &to, Value: big.NewInt(250_000_000_000_000_000)})

	_, err := l.Wallet("0xA").SignAndSubmit(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 0.75, l.BalanceOf("0xA", NativeAsset))
	assert.Equal(t, 0.25, l.BalanceOf(to.Hex(), NativeAsset))
}
