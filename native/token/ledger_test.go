package token

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"credx/core/state"
	"credx/crypto"
	nativecommon "credx/native/common"
	"credx/storage"
)

func makeAddress(prefix crypto.AddressPrefix, b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.NewAddress(prefix, raw)
}

type fixture struct {
	tx        *state.Tx
	ledger    *Ledger
	asset     crypto.Address
	authority crypto.Address
	alice     crypto.Address
	bob       crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tx := state.NewManager(storage.NewMemDB()).Begin()
	t.Cleanup(tx.Discard)
	f := &fixture{
		tx:        tx,
		ledger:    NewLedger(tx),
		asset:     makeAddress(crypto.AssetPrefix, 0x01),
		authority: makeAddress(crypto.ProtocolPrefix, 0x02),
		alice:     makeAddress(crypto.UserPrefix, 0x03),
		bob:       makeAddress(crypto.UserPrefix, 0x04),
	}
	_, err := f.ledger.CreateAsset(f.asset, "msol", 9, f.authority)
	require.NoError(t, err)
	return f
}

func TestCreateAssetRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreateAsset(f.asset, "MSOL", 9, f.authority)
	require.ErrorIs(t, err, ErrAssetExists)

	asset, err := f.ledger.Asset(f.asset)
	require.NoError(t, err)
	require.Equal(t, "MSOL", asset.Symbol)
	require.Equal(t, uint8(9), asset.Decimals)
}

func TestMintTransferBurn(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.ledger.Mint(f.asset, f.alice, 100, f.alice), ErrUnauthorized)
	require.NoError(t, f.ledger.Mint(f.asset, f.alice, 100, f.authority))

	require.ErrorIs(t, f.ledger.Transfer(f.asset, f.alice, f.bob, 40, f.bob), ErrUnauthorized)
	require.ErrorIs(t, f.ledger.Transfer(f.asset, f.alice, f.bob, 101, f.alice), ErrInsufficientFunds)
	require.ErrorIs(t, f.ledger.Transfer(f.asset, f.alice, f.bob, 0, f.alice), ErrInvalidAmount)
	require.NoError(t, f.ledger.Transfer(f.asset, f.alice, f.bob, 40, f.alice))

	aliceBal, err := f.ledger.Balance(f.asset, f.alice)
	require.NoError(t, err)
	bobBal, err := f.ledger.Balance(f.asset, f.bob)
	require.NoError(t, err)
	require.Equal(t, uint64(60), aliceBal)
	require.Equal(t, uint64(40), bobBal)

	require.NoError(t, f.ledger.Burn(f.asset, f.bob, 15, f.bob))
	asset, err := f.ledger.Asset(f.asset)
	require.NoError(t, err)
	require.Equal(t, uint64(85), asset.Supply)
}

func TestMintOverflow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Mint(f.asset, f.alice, math.MaxUint64, f.authority))
	require.ErrorIs(t, f.ledger.Mint(f.asset, f.bob, 1, f.authority), nativecommon.ErrMathOverflow)
}

func TestDelegatedBurnConsumesAllowance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Mint(f.asset, f.alice, 100, f.authority))
	require.NoError(t, f.ledger.Approve(f.asset, f.alice, f.bob, 30))

	require.ErrorIs(t, f.ledger.Burn(f.asset, f.alice, 31, f.bob), ErrInsufficientAllowance)
	require.NoError(t, f.ledger.Burn(f.asset, f.alice, 20, f.bob))

	remaining, err := f.ledger.Allowance(f.asset, f.alice, f.bob)
	require.NoError(t, err)
	require.Equal(t, uint64(10), remaining)

	require.NoError(t, f.ledger.Approve(f.asset, f.alice, f.bob, 0))
	require.ErrorIs(t, f.ledger.Burn(f.asset, f.alice, 1, f.bob), ErrUnauthorized)
}

func TestCustodialAccountLifecycle(t *testing.T) {
	f := newFixture(t)
	vault := makeAddress(crypto.ProtocolPrefix, 0x09)

	_, err := f.ledger.OpenAccount(f.asset, vault, f.authority)
	require.NoError(t, err)
	_, err = f.ledger.OpenAccount(f.asset, vault, f.authority)
	require.ErrorIs(t, err, ErrAccountExists)

	require.NoError(t, f.ledger.Mint(f.asset, f.alice, 50, f.authority))
	require.NoError(t, f.ledger.Transfer(f.asset, f.alice, vault, 50, f.alice))

	// The vault holder itself cannot sign; only the custodial authority can.
	require.ErrorIs(t, f.ledger.Transfer(f.asset, vault, f.alice, 50, vault), ErrUnauthorized)
	require.ErrorIs(t, f.ledger.Close(f.asset, vault, f.authority), ErrNonZeroBalance)

	require.NoError(t, f.ledger.Transfer(f.asset, vault, f.alice, 50, f.authority))
	require.ErrorIs(t, f.ledger.Close(f.asset, vault, f.alice), ErrUnauthorized)
	require.NoError(t, f.ledger.Close(f.asset, vault, f.authority))

	_, ok, err := f.ledger.Account(f.asset, vault)
	require.NoError(t, err)
	require.False(t, ok)
}
