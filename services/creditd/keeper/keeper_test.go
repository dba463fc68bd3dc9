package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"credx/crypto"
	nativecommon "credx/native/common"
	"credx/native/lending"
	"credx/native/oracle"
)

func addr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.NewAddress(crypto.UserPrefix, raw)
}

type fakeEngine struct {
	owners  []crypto.Address
	results map[string]*lending.RepayResult
	errs    map[string]error
	calls   []string
	relayer crypto.Address
}

func (f *fakeEngine) LoanOwners() ([]crypto.Address, error) { return f.owners, nil }

func (f *fakeEngine) AutoRepay(relayer, owner crypto.Address) (*lending.RepayResult, error) {
	f.relayer = relayer
	f.calls = append(f.calls, owner.String())
	if err := f.errs[owner.String()]; err != nil {
		return nil, err
	}
	return f.results[owner.String()], nil
}

func TestSweepClassifiesOutcomes(t *testing.T) {
	repaid, idle, closed, stale := addr(1), addr(2), addr(3), addr(4)
	engine := &fakeEngine{
		owners: []crypto.Address{repaid, idle, closed, stale},
		results: map[string]*lending.RepayResult{
			repaid.String(): {Repaid: 100, Remaining: 1100},
			idle.String():   {NoOp: true},
		},
		errs: map[string]error{
			closed.String(): lending.ErrLoanClosed,
			stale.String():  oracle.ErrStalePrice,
		},
	}
	relayer := addr(9)
	k := New(engine, Config{Relayer: relayer, RatePerSecond: 1000, Burst: 10}, nil)

	report, err := k.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Visited: 4, Repaid: 1, NoYield: 1, Skipped: 1, Failed: 1, Burned: 100}, report)
	require.True(t, engine.relayer.Equal(relayer))
}

func TestSweepCountsUnavailableDelegationAsFailure(t *testing.T) {
	owner := addr(5)
	engine := &fakeEngine{
		owners: []crypto.Address{owner},
		errs:   map[string]error{owner.String(): lending.ErrDelegationUnavailable},
	}
	k := New(engine, Config{Relayer: addr(9), RatePerSecond: 1000, Burst: 10}, nil)

	report, err := k.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Visited: 1, Failed: 1}, report)
}

func TestSweepStopsWhenLocked(t *testing.T) {
	first, second := addr(1), addr(2)
	engine := &fakeEngine{
		owners: []crypto.Address{first, second},
		errs:   map[string]error{first.String(): nativecommon.ErrProtocolLocked},
	}
	k := New(engine, Config{Relayer: addr(9), RatePerSecond: 1000, Burst: 10}, nil)
	_, err := k.Sweep(context.Background())
	require.True(t, errors.Is(err, nativecommon.ErrProtocolLocked))
	require.Len(t, engine.calls, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	engine := &fakeEngine{owners: []crypto.Address{addr(1)}, results: map[string]*lending.RepayResult{addr(1).String(): {NoOp: true}}}
	k := New(engine, Config{Relayer: addr(9), Interval: 10 * time.Millisecond, RatePerSecond: 1000, Burst: 10}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := k.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, engine.calls)
}
