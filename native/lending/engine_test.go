package lending

import (
	"errors"
	"sync"
	"testing"
	"time"

	"credx/core/events"
	"credx/core/state"
	"credx/crypto"
	nativecommon "credx/native/common"
	"credx/native/oracle"
	"credx/storage"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

func makeAddress(prefix crypto.AddressPrefix, b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.NewAddress(prefix, raw)
}

type fixture struct {
	engine     *Engine
	manager    *state.Manager
	clock      *testClock
	emitter    *recordingEmitter
	admin      crypto.Address
	user       crypto.Address
	keeper     crypto.Address
	collateral crypto.Address
	credit     crypto.Address
	feed       crypto.Address
}

// newFixture deploys a protocol with an MSOL collateral asset, a simple feed
// priced at 2 and a user holding 1000 MSOL.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cfg.CollateralWhitelist = []string{"MSOL"}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f := &fixture{
		engine:  engine,
		manager: state.NewManager(storage.NewMemDB()),
		clock:   &testClock{now: time.Unix(1_700_000_000, 0)},
		emitter: &recordingEmitter{},
		admin:   makeAddress(crypto.UserPrefix, 0xA1),
		user:    makeAddress(crypto.UserPrefix, 0xB2),
		keeper:  makeAddress(crypto.UserPrefix, 0xC3),
	}
	engine.SetState(f.manager)
	engine.SetClock(f.clock.Now)
	engine.SetEmitter(f.emitter)

	protocol, err := engine.InitializeProtocol(f.admin)
	if err != nil {
		t.Fatalf("initialize protocol: %v", err)
	}
	f.credit = protocol.CreditAsset
	if f.collateral, err = engine.CreateCollateralAsset(f.admin, "msol", 9); err != nil {
		t.Fatalf("create collateral asset: %v", err)
	}
	if err := engine.MintCollateral(f.admin, f.collateral, f.user, 1000); err != nil {
		t.Fatalf("mint collateral: %v", err)
	}
	if f.feed, err = engine.CreateSimpleFeed(f.admin, "msol-cxc", 2); err != nil {
		t.Fatalf("create feed: %v", err)
	}
	return f
}

// openLoan initialises the user's loan and deposits amount.
func (f *fixture) openLoan(t *testing.T, amount uint64) {
	t.Helper()
	if _, err := f.engine.InitializeLoan(f.user, f.collateral, f.feed); err != nil {
		t.Fatalf("initialize loan: %v", err)
	}
	if err := f.engine.DepositCollateral(f.user, f.collateral, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// accrue simulates collateral yield by minting straight into the vault.
func (f *fixture) accrue(t *testing.T, amount uint64) {
	t.Helper()
	if err := f.engine.MintCollateral(f.admin, f.collateral, VaultAccountAddress(f.user), amount); err != nil {
		t.Fatalf("accrue yield: %v", err)
	}
}

func (f *fixture) refreshFeed(t *testing.T, price uint64) {
	t.Helper()
	if err := f.engine.UpdateSimpleFeed(f.admin, f.feed, price); err != nil {
		t.Fatalf("update feed: %v", err)
	}
}

func (f *fixture) position(t *testing.T) *Position {
	t.Helper()
	pos, err := f.engine.Position(f.user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	return pos
}

func (f *fixture) balance(t *testing.T, asset, holder crypto.Address) uint64 {
	t.Helper()
	balance, err := f.engine.Balance(asset, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func TestInitializeProtocol(t *testing.T) {
	f := newFixture(t)
	protocol, err := f.engine.Protocol()
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	if !protocol.Admin.Equal(f.admin) || protocol.LTVRatioBps != DefaultLTVRatioBps || protocol.Locked {
		t.Fatalf("unexpected protocol %+v", protocol)
	}
	if !protocol.Authority.Equal(AuthorityAddress()) {
		t.Fatalf("authority mismatch")
	}
	if _, err := f.engine.InitializeProtocol(f.admin); !errors.Is(err, ErrProtocolAlreadyInitialized) {
		t.Fatalf("expected ErrProtocolAlreadyInitialized, got %v", err)
	}
	other := makeAddress(crypto.UserPrefix, 0x44)
	if _, err := f.engine.InitializeProtocol(other); !errors.Is(err, ErrProtocolAlreadyInitialized) {
		t.Fatalf("second deployment must be rejected, got %v", err)
	}
}

func TestInitializeProtocolRejectsLTV(t *testing.T) {
	for _, ltv := range []uint64{MaxLTVRatioBps + 1, 10_000} {
		cfg := DefaultConfig()
		cfg.LTVRatioBps = ltv
		engine, err := NewEngine(cfg)
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		engine.SetState(state.NewManager(storage.NewMemDB()))
		if _, err := engine.InitializeProtocol(makeAddress(crypto.UserPrefix, 0x01)); !errors.Is(err, ErrInvalidLTVRatio) {
			t.Fatalf("ltv %d: expected ErrInvalidLTVRatio, got %v", ltv, err)
		}
		if _, err := engine.Protocol(); !errors.Is(err, ErrProtocolNotInitialized) {
			t.Fatalf("ltv %d: protocol must stay uninitialised, got %v", ltv, err)
		}
	}
}

func TestEngineWithoutState(t *testing.T) {
	engine, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Borrow(makeAddress(crypto.UserPrefix, 0x01)); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
}

func TestInitializeLoanValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.InitializeLoan(crypto.Address{}, f.collateral, f.feed); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	unlisted := makeAddress(crypto.AssetPrefix, 0x77)
	if _, err := f.engine.InitializeLoan(f.user, unlisted, f.feed); !errors.Is(err, ErrUnsupportedCollateralMint) {
		t.Fatalf("expected ErrUnsupportedCollateralMint, got %v", err)
	}
	if _, err := f.engine.InitializeLoan(f.user, f.collateral, crypto.Address{}); !errors.Is(err, ErrInvalidOracleAccount) {
		t.Fatalf("expected ErrInvalidOracleAccount, got %v", err)
	}

	loan, err := f.engine.InitializeLoan(f.user, f.collateral, f.feed)
	if err != nil {
		t.Fatalf("initialize loan: %v", err)
	}
	if loan.CollateralAmount != 0 || loan.RemainingDebt != 0 || loan.YieldEarned != 0 {
		t.Fatalf("fresh loan must be zeroed: %+v", loan)
	}
	if loan.Vault != DeriveRecordKey(RoleVault, f.user) {
		t.Fatalf("vault handle mismatch")
	}
	if _, err := f.engine.InitializeLoan(f.user, f.collateral, f.feed); !errors.Is(err, ErrLoanAlreadyInitialized) {
		t.Fatalf("expected ErrLoanAlreadyInitialized, got %v", err)
	}
	owners, err := f.engine.LoanOwners()
	if err != nil {
		t.Fatalf("loan owners: %v", err)
	}
	if len(owners) != 1 || !owners[0].Equal(f.user) {
		t.Fatalf("unexpected owners %v", owners)
	}
}

func TestInitializeLoanRejectsCreditAsset(t *testing.T) {
	cfg := DefaultConfig()
	admin := makeAddress(crypto.UserPrefix, 0xA1)
	cfg.CollateralWhitelist = []string{CreditAssetID(admin).String()}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetState(state.NewManager(storage.NewMemDB()))
	protocol, err := engine.InitializeProtocol(admin)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	user := makeAddress(crypto.UserPrefix, 0xB2)
	feed := makeAddress(crypto.ProtocolPrefix, 0x09)
	if _, err := engine.InitializeLoan(user, protocol.CreditAsset, feed); !errors.Is(err, ErrInvalidCollateralMint) {
		t.Fatalf("expected ErrInvalidCollateralMint, got %v", err)
	}
}

func TestDepositCollateral(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 600)

	pos := f.position(t)
	if pos.Loan.CollateralAmount != 600 || pos.VaultBalance != 600 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.Status != LoanStatusCollateralized {
		t.Fatalf("expected collateralized, got %s", pos.Status)
	}
	if got := f.balance(t, f.collateral, f.user); got != 400 {
		t.Fatalf("expected user balance 400, got %d", got)
	}
	if pos.Delegation == nil || !pos.Delegation.Usable(f.clock.now) {
		t.Fatalf("deposit must grant a usable delegation")
	}

	if err := f.engine.DepositCollateral(f.user, f.collateral, 400); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if got := f.position(t).Loan.CollateralAmount; got != 1000 {
		t.Fatalf("baseline must accumulate, got %d", got)
	}
}

func TestDepositCollateralValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.DepositCollateral(f.user, f.collateral, 10); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
	f.openLoan(t, 100)

	if err := f.engine.DepositCollateral(f.user, f.collateral, 0); !errors.Is(err, ErrInvalidCollateralAmount) {
		t.Fatalf("expected ErrInvalidCollateralAmount, got %v", err)
	}
	if err := f.engine.DepositCollateral(f.user, f.credit, 10); !errors.Is(err, ErrMintMismatch) {
		t.Fatalf("expected ErrMintMismatch, got %v", err)
	}
	if err := f.engine.DepositCollateral(f.user, f.collateral, 901); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	stranger := makeAddress(crypto.UserPrefix, 0x55)
	if err := f.engine.DepositCollateral(stranger, f.collateral, 1); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound for stranger, got %v", err)
	}
	if got := f.position(t).Loan.CollateralAmount; got != 100 {
		t.Fatalf("failed deposits must not move the baseline, got %d", got)
	}
}

// Deposit 1000 at price 2 with a 60% LTV.
func TestBorrowMintsToLimit(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)

	minted, err := f.engine.Borrow(f.user)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if minted != 1200 {
		t.Fatalf("expected 1200 minted, got %d", minted)
	}
	pos := f.position(t)
	if pos.Loan.RemainingDebt != 1200 || pos.CreditBalance != 1200 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.Status != LoanStatusActive {
		t.Fatalf("expected active, got %s", pos.Status)
	}
	if pos.Delegation.Ceiling != 1200 {
		t.Fatalf("delegation ceiling must cover the debt, got %d", pos.Delegation.Ceiling)
	}

	if _, err := f.engine.Borrow(f.user); !errors.Is(err, ErrMaxBorrowLimitReached) {
		t.Fatalf("expected ErrMaxBorrowLimitReached, got %v", err)
	}
	if got := f.position(t).Loan.RemainingDebt; got != 1200 {
		t.Fatalf("debt changed on failed borrow: %d", got)
	}
}

func TestBorrowHeadroomAfterPriceRise(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.refreshFeed(t, 3)
	minted, err := f.engine.Borrow(f.user)
	if err != nil {
		t.Fatalf("second borrow: %v", err)
	}
	if minted != 600 {
		t.Fatalf("expected 600 additional credit, got %d", minted)
	}
	if got := f.position(t).Loan.RemainingDebt; got != 1800 {
		t.Fatalf("expected debt 1800, got %d", got)
	}
}

func TestBorrowFailures(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.InitializeLoan(f.user, f.collateral, f.feed); err != nil {
		t.Fatalf("initialize loan: %v", err)
	}
	if _, err := f.engine.Borrow(f.user); !errors.Is(err, ErrNoCollateralDeposited) {
		t.Fatalf("expected ErrNoCollateralDeposited, got %v", err)
	}
	if err := f.engine.DepositCollateral(f.user, f.collateral, 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.refreshFeed(t, 1)
	// 1 * 1 * 6000 / 10000 truncates to zero.
	if _, err := f.engine.Borrow(f.user); !errors.Is(err, ErrZeroBorrowAmount) {
		t.Fatalf("expected ErrZeroBorrowAmount, got %v", err)
	}
	if !errors.Is(ErrZeroBorrowAmount, nativecommon.ErrSolvency) {
		t.Fatalf("zero borrow must be a solvency failure")
	}
}

func TestBorrowRejectsStalePrice(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)

	f.clock.Advance(299 * time.Second)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("price 299s old must be fresh: %v", err)
	}
	f.refreshFeed(t, 3)
	f.clock.Advance(300 * time.Second)
	if _, err := f.engine.Borrow(f.user); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if got := f.position(t).Loan.RemainingDebt; got != 1200 {
		t.Fatalf("stale borrow must not mint, debt %d", got)
	}
}

func TestBorrowOnlyByOwner(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(crypto.Address{}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := f.engine.Borrow(f.keeper); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("keeper has no loan, got %v", err)
	}
}

func TestBorrowRejectsUntradedExternalFeed(t *testing.T) {
	f := newFixture(t)
	ref, err := f.engine.PublishExternalFeed(f.admin, "msol-ext", oracle.ExternalPrice{
		Price:       200,
		Expo:        -2,
		Status:      oracle.StatusHalted,
		PublishTime: f.clock.now.Unix(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := f.engine.InitializeLoan(f.user, f.collateral, ref); err != nil {
		t.Fatalf("initialize loan: %v", err)
	}
	if err := f.engine.DepositCollateral(f.user, f.collateral, 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Borrow(f.user); !errors.Is(err, oracle.ErrInvalidPriceStatus) {
		t.Fatalf("expected ErrInvalidPriceStatus, got %v", err)
	}

	if _, err := f.engine.PublishExternalFeed(f.admin, "msol-ext", oracle.ExternalPrice{
		Price:       200,
		Expo:        -2,
		Status:      oracle.StatusTrading,
		PublishTime: f.clock.now.Unix(),
	}); err != nil {
		t.Fatalf("republish: %v", err)
	}
	minted, err := f.engine.Borrow(f.user)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if minted != 1200 {
		t.Fatalf("normalised price 2 must allow 1200, got %d", minted)
	}
}

// Vault grows from 1000 to 1050 while priced at 2.
func TestAutoRepayConsumesYield(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 50)

	result, err := f.engine.AutoRepay(f.keeper, f.user)
	if err != nil {
		t.Fatalf("auto repay: %v", err)
	}
	if result.NoOp || result.Yield != 50 || result.YieldValue != 100 || result.Repaid != 100 || result.Remaining != 1100 {
		t.Fatalf("unexpected result %+v", result)
	}
	pos := f.position(t)
	if pos.Loan.RemainingDebt != 1100 || pos.Loan.YieldEarned != 50 {
		t.Fatalf("unexpected loan %+v", pos.Loan)
	}
	if pos.CreditBalance != 1100 {
		t.Fatalf("expected credit balance 1100, got %d", pos.CreditBalance)
	}
	if pos.Loan.CollateralAmount != 1000 || pos.VaultBalance != 1050 {
		t.Fatalf("auto repay must not touch collateral: %+v", pos)
	}
	if pos.Delegation.Ceiling != 1100 {
		t.Fatalf("ceiling must shrink by the repaid amount, got %d", pos.Delegation.Ceiling)
	}
}

func TestAutoRepayNoYieldIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// A no-op never consults the oracle.
	f.clock.Advance(time.Hour)
	result, err := f.engine.AutoRepay(f.keeper, f.user)
	if err != nil {
		t.Fatalf("auto repay: %v", err)
	}
	if !result.NoOp || result.Remaining != 1200 {
		t.Fatalf("expected no-op, got %+v", result)
	}
}

func TestAutoRepayCapsAtDebt(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 5000)
	result, err := f.engine.AutoRepay(f.keeper, f.user)
	if err != nil {
		t.Fatalf("auto repay: %v", err)
	}
	if result.Repaid != 1200 || result.Remaining != 0 {
		t.Fatalf("repayment must cap at debt, got %+v", result)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrNoOutstandingDebt) {
		t.Fatalf("expected ErrNoOutstandingDebt, got %v", err)
	}
}

func TestAutoRepayFailures(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.AutoRepay(crypto.Address{}, f.user); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
	f.openLoan(t, 1000)
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrNoOutstandingDebt) {
		t.Fatalf("expected ErrNoOutstandingDebt, got %v", err)
	}
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.accrue(t, 50)
	f.clock.Advance(300 * time.Second)
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if got := f.position(t).Loan.RemainingDebt; got != 1200 {
		t.Fatalf("stale repay must not burn, debt %d", got)
	}
}

func TestAutoRepayRequiresCreditTokens(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 50)

	sink := makeAddress(crypto.UserPrefix, 0x66)
	err := f.engine.state.Update(func(tx *state.Tx) error {
		c := f.engine.newContext(tx)
		return c.ledger.Transfer(f.credit, f.user, sink, 1150, f.user)
	})
	if err != nil {
		t.Fatalf("move credit away: %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrInsufficientCreditTokens) {
		t.Fatalf("expected ErrInsufficientCreditTokens, got %v", err)
	}

	err = f.engine.state.Update(func(tx *state.Tx) error {
		c := f.engine.newContext(tx)
		return c.ledger.Transfer(f.credit, f.user, sink, 50, f.user)
	})
	if err != nil {
		t.Fatalf("drain credit: %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrNoTokensToBurn) {
		t.Fatalf("expected ErrNoTokensToBurn, got %v", err)
	}
}

func TestAutoRepayZeroValue(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 1)
	if err := f.engine.UpdateSimpleFeed(f.admin, f.feed, 0); err != nil {
		t.Fatalf("update feed: %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Fatalf("zero price must be rejected by the oracle, got %v", err)
	}
}

func TestAutoRepayOverflow(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 1<<40)
	f.refreshFeed(t, 1<<40)
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, nativecommon.ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	if !errors.Is(nativecommon.ErrMathOverflow, nativecommon.ErrArithmetic) {
		t.Fatalf("overflow must be an arithmetic failure")
	}
}

func TestAutoRepayNegativeYield(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Slash the vault below its baseline.
	err := f.engine.state.Update(func(tx *state.Tx) error {
		c := f.engine.newContext(tx)
		return c.ledger.Burn(f.collateral, VaultAccountAddress(f.user), 10, f.engine.Authority())
	})
	if err != nil {
		t.Fatalf("slash vault: %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrNegativeYield) {
		t.Fatalf("expected ErrNegativeYield, got %v", err)
	}
	if _, err := f.engine.Withdraw(f.user); !errors.Is(err, ErrNegativeYield) {
		t.Fatalf("expected ErrNegativeYield on withdraw, got %v", err)
	}
}

// Continues the repayment above: debt 1100, vault 1050.
func TestWithdrawSettlesLoan(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 50)
	if _, err := f.engine.AutoRepay(f.keeper, f.user); err != nil {
		t.Fatalf("auto repay: %v", err)
	}

	result, err := f.engine.Withdraw(f.user)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if result.Burned != 1100 || result.Returned != 1050 || result.FinalYield != 50 || result.YieldEarned != 100 {
		t.Fatalf("unexpected result %+v", result)
	}
	pos := f.position(t)
	if pos.Loan.CollateralAmount != 0 || pos.Loan.RemainingDebt != 0 || pos.Loan.YieldEarned != 100 {
		t.Fatalf("unexpected loan %+v", pos.Loan)
	}
	if pos.Status != LoanStatusClosed || !pos.Vault.Closed {
		t.Fatalf("loan and vault must be closed: %+v", pos)
	}
	if pos.Delegation != nil {
		t.Fatalf("settlement must remove the delegation")
	}
	if got := f.balance(t, f.collateral, f.user); got != 1050 {
		t.Fatalf("expected collateral 1050 returned, got %d", got)
	}
	if got := f.balance(t, f.credit, f.user); got != 0 {
		t.Fatalf("expected credit fully burned, got %d", got)
	}

	if err := f.engine.DepositCollateral(f.user, f.collateral, 10); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("expected ErrLoanClosed, got %v", err)
	}
	if _, err := f.engine.Withdraw(f.user); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("expected ErrLoanClosed, got %v", err)
	}
}

func TestWithdrawFailures(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Withdraw(f.user); !errors.Is(err, ErrNoActiveLoan) {
		t.Fatalf("expected ErrNoActiveLoan, got %v", err)
	}
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.refreshFeed(t, 1)
	// 1000 collateral at price 1 no longer covers debt 1200.
	if _, err := f.engine.Withdraw(f.user); !errors.Is(err, ErrInsufficientCollateralValue) {
		t.Fatalf("expected ErrInsufficientCollateralValue, got %v", err)
	}
	f.refreshFeed(t, 2)

	sink := makeAddress(crypto.UserPrefix, 0x66)
	err := f.engine.state.Update(func(tx *state.Tx) error {
		c := f.engine.newContext(tx)
		return c.ledger.Transfer(f.credit, f.user, sink, 1, f.user)
	})
	if err != nil {
		t.Fatalf("move credit: %v", err)
	}
	if _, err := f.engine.Withdraw(f.user); !errors.Is(err, ErrInsufficientCreditTokens) {
		t.Fatalf("expected ErrInsufficientCreditTokens, got %v", err)
	}

	f.clock.Advance(300 * time.Second)
	if _, err := f.engine.Withdraw(f.user); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if got := f.position(t).VaultBalance; got != 1000 {
		t.Fatalf("failed withdrawals must leave the vault intact, got %d", got)
	}
}

func TestRevokeDelegationBlocksAutoRepay(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 50)

	if err := f.engine.RevokeDelegation(f.user); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.engine.RevokeDelegation(f.user); !errors.Is(err, ErrDelegationUnavailable) {
		t.Fatalf("second revoke must fail, got %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrDelegationUnavailable) {
		t.Fatalf("expected ErrDelegationUnavailable, got %v", err)
	}

	// A fresh deposit re-grants the delegation.
	if err := f.engine.DepositCollateral(f.user, f.collateral, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("user spent all collateral, got %v", err)
	}
	if err := f.engine.MintCollateral(f.admin, f.collateral, f.user, 10); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.DepositCollateral(f.user, f.collateral, 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.AutoRepay(f.keeper, f.user); err != nil {
		t.Fatalf("auto repay after re-grant: %v", err)
	}
}

func TestDelegationOutlivesLongLoans(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.clock.Advance(31 * 24 * time.Hour)
	f.refreshFeed(t, 2)
	f.accrue(t, 50)
	result, err := f.engine.AutoRepay(f.keeper, f.user)
	if err != nil {
		t.Fatalf("auto repay on an old loan: %v", err)
	}
	if result.Repaid != 100 || result.Remaining != 1100 {
		t.Fatalf("unexpected repay %+v", result)
	}
}

func TestDelegationExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelegationTTLSeconds = 3600
	f := newFixtureWithConfig(t, cfg)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.accrue(t, 50)
	f.clock.Advance(time.Hour)
	f.refreshFeed(t, 2)
	if _, err := f.engine.AutoRepay(f.keeper, f.user); !errors.Is(err, ErrDelegationUnavailable) {
		t.Fatalf("expected ErrDelegationUnavailable after expiry, got %v", err)
	}
}

func TestBorrowRefreshesDelegationExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelegationTTLSeconds = 3600
	f := newFixtureWithConfig(t, cfg)
	f.openLoan(t, 1000)
	f.clock.Advance(30 * time.Minute)
	f.refreshFeed(t, 2)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.clock.Advance(45 * time.Minute)
	f.refreshFeed(t, 2)
	f.accrue(t, 50)
	result, err := f.engine.AutoRepay(f.keeper, f.user)
	if err != nil {
		t.Fatalf("auto repay inside refreshed window: %v", err)
	}
	if result.Repaid != 100 {
		t.Fatalf("expected 100 repaid, got %+v", result)
	}
}

func TestMintCollateralRules(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.MintCollateral(f.user, f.collateral, f.user, 5); !errors.Is(err, ErrUnauthorizedAdmin) {
		t.Fatalf("expected ErrUnauthorizedAdmin, got %v", err)
	}
	if err := f.engine.MintCollateral(f.admin, f.credit, f.user, 5); !errors.Is(err, ErrInvalidCollateralMint) {
		t.Fatalf("credit must never be minted directly, got %v", err)
	}
	if err := f.engine.MintCollateral(f.admin, f.collateral, f.user, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.engine.CreateCollateralAsset(f.admin, "MSOL", 9); !errors.Is(err, ErrAssetAlreadyExists) {
		t.Fatalf("expected ErrAssetAlreadyExists, got %v", err)
	}
	if _, err := f.engine.CreateCollateralAsset(f.user, "JITO", 9); !errors.Is(err, ErrUnauthorizedAdmin) {
		t.Fatalf("expected ErrUnauthorizedAdmin, got %v", err)
	}
}

func TestEventsFollowCommits(t *testing.T) {
	f := newFixture(t)
	f.openLoan(t, 1000)
	if _, err := f.engine.Borrow(f.user); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(f.user); err == nil {
		t.Fatalf("expected second borrow to fail")
	}
	want := []string{
		events.TypeProtocolInitialized,
		events.TypeCollateralAssetCreated,
		events.TypeCollateralMinted,
		events.TypeFeedUpdated,
		events.TypeLoanInitialized,
		events.TypeCollateralDeposited,
		events.TypeCreditBorrowed,
	}
	got := f.emitter.types()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRecordReadModels(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Loan(f.user); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
	f.openLoan(t, 1000)

	loan, err := f.engine.Loan(f.user)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.CollateralAmount != 1000 || !loan.Oracle.Equal(f.feed) {
		t.Fatalf("unexpected loan %+v", loan)
	}
	vault, err := f.engine.Vault(f.user)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if !vault.CollateralAsset.Equal(f.collateral) || vault.Closed {
		t.Fatalf("unexpected vault %+v", vault)
	}
	d, err := f.engine.Delegation(f.user)
	if err != nil {
		t.Fatalf("delegation: %v", err)
	}
	if !d.Asset.Equal(f.credit) || d.Revoked {
		t.Fatalf("unexpected delegation %+v", d)
	}
	owners, err := f.engine.LoanOwners()
	if err != nil || len(owners) != 1 || !owners[0].Equal(f.user) {
		t.Fatalf("unexpected owners %v (%v)", owners, err)
	}
}
