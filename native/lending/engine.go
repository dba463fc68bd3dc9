package lending

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"credx/core/events"
	"credx/core/state"
	"credx/crypto"
	nativecommon "credx/native/common"
	"credx/native/oracle"
	"credx/native/token"
	"credx/observability/metrics"
)

const moduleName = "lending"

type engineState interface {
	Update(fn func(tx *state.Tx) error) error
	View(fn func(tx *state.Tx) error) error
}

// Engine orchestrates the state transitions of the credit protocol. Every
// operation runs in a single state transaction; a failed operation leaves the
// ledger, the oracle feeds and all credit records untouched.
type Engine struct {
	mu        sync.RWMutex
	state     engineState
	cfg       Config
	whitelist []crypto.Address
	authority crypto.Address
	emitter   events.Emitter
	now       func() time.Time
}

// NewEngine constructs an engine for the supplied configuration.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.Clone()
	cfg.EnsureDefaults()
	whitelist, err := cfg.Whitelist()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		whitelist: whitelist,
		authority: AuthorityAddress(),
		emitter:   events.NoopEmitter{},
		now:       time.Now,
	}, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures where committed events are published.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// SetClock overrides the time source used for price freshness and delegation
// expiry.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg.Clone()
}

// Authority returns the custodial authority address.
func (e *Engine) Authority() crypto.Address {
	return e.authority
}

// opContext carries the collaborators bound to one transaction.
type opContext struct {
	tx      *state.Tx
	ledger  *token.Ledger
	oracles *oracle.Registry
	now     time.Time
	events  []events.Event
}

func (c *opContext) emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (e *Engine) newContext(tx *state.Tx) *opContext {
	return &opContext{
		tx:      tx,
		ledger:  token.NewLedger(tx),
		oracles: oracle.NewRegistry(tx, e.cfg.MaxPriceAge()),
		now:     e.now(),
	}
}

func (e *Engine) execute(operation string, fn func(c *opContext) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	committed, emitter, err := e.commit(fn)
	metrics.Credit().ObserveOperation(operation, err)
	if err != nil {
		return err
	}
	// Emitters may block on I/O and run outside the engine lock.
	for _, evt := range committed {
		emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) commit(fn func(c *opContext) error) ([]events.Event, events.Emitter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var committed []events.Event
	err := e.state.Update(func(tx *state.Tx) error {
		c := e.newContext(tx)
		if err := fn(c); err != nil {
			return err
		}
		committed = append([]events.Event(nil), c.events...)
		return nil
	})
	return committed, e.emitter, err
}

// view runs fn against a read-only transaction. The read lock keeps a view
// from observing a half-applied commit.
func (e *Engine) view(fn func(c *opContext) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.View(func(tx *state.Tx) error {
		return fn(e.newContext(tx))
	})
}

// --- record access ---

type protocolPointer struct {
	Admin crypto.Address
}

func (c *opContext) protocol() (*ProtocolConfig, error) {
	var ptr protocolPointer
	ok, err := c.tx.KVGet(protocolPointerKey, &ptr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProtocolNotInitialized
	}
	cfg := new(ProtocolConfig)
	ok, err = c.tx.KVGet(storageKey(RoleProtocol, DeriveRecordKey(RoleProtocol, ptr.Admin)), cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProtocolNotInitialized
	}
	return cfg, nil
}

func (c *opContext) putProtocol(cfg *ProtocolConfig) error {
	if err := c.tx.KVPut(protocolPointerKey, protocolPointer{Admin: cfg.Admin}); err != nil {
		return err
	}
	return c.tx.KVPut(storageKey(RoleProtocol, DeriveRecordKey(RoleProtocol, cfg.Admin)), cfg)
}

func (c *opContext) loan(owner crypto.Address) (*LoanAccount, *CollateralVault, error) {
	loan := new(LoanAccount)
	ok, err := c.tx.KVGet(storageKey(RoleLoan, DeriveRecordKey(RoleLoan, owner)), loan)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrLoanNotFound
	}
	if err := VerifyRecordKey(loan.Vault, RoleVault, owner); err != nil {
		return nil, nil, err
	}
	vault := new(CollateralVault)
	ok, err = c.tx.KVGet(storageKey(RoleVault, loan.Vault), vault)
	if err != nil {
		return nil, nil, err
	}
	if !ok || !vault.Owner.Equal(owner) {
		return nil, nil, ErrInvalidRecordHandle
	}
	return loan, vault, nil
}

// ownedLoan loads owner's loan and rejects closed loans and foreign signers.
func (c *opContext) ownedLoan(signer crypto.Address) (*LoanAccount, *CollateralVault, error) {
	if signer.IsZero() {
		return nil, nil, ErrInvalidUser
	}
	loan, vault, err := c.loan(signer)
	if err != nil {
		return nil, nil, err
	}
	if loan.Closed || vault.Closed {
		return nil, nil, ErrLoanClosed
	}
	if !loan.Owner.Equal(signer) {
		return nil, nil, ErrUnauthorizedUser
	}
	return loan, vault, nil
}

func (c *opContext) putLoan(loan *LoanAccount) error {
	return c.tx.KVPut(storageKey(RoleLoan, DeriveRecordKey(RoleLoan, loan.Owner)), loan)
}

func (c *opContext) putVault(vault *CollateralVault) error {
	return c.tx.KVPut(storageKey(RoleVault, DeriveRecordKey(RoleVault, vault.Owner)), vault)
}

func (c *opContext) delegation(owner crypto.Address) (*SpendDelegation, bool, error) {
	d := new(SpendDelegation)
	ok, err := c.tx.KVGet(storageKey(RoleDelegation, DeriveRecordKey(RoleDelegation, owner)), d)
	if err != nil || !ok {
		return nil, false, err
	}
	return d, true, nil
}

func (c *opContext) putDelegation(d *SpendDelegation) error {
	if err := c.tx.KVPut(storageKey(RoleDelegation, DeriveRecordKey(RoleDelegation, d.Owner)), d); err != nil {
		return err
	}
	ceiling := d.Ceiling
	if d.Revoked {
		ceiling = 0
	}
	return c.ledger.Approve(d.Asset, d.Owner, d.Delegate, ceiling)
}

func (c *opContext) deleteDelegation(d *SpendDelegation) error {
	if err := c.tx.KVDelete(storageKey(RoleDelegation, DeriveRecordKey(RoleDelegation, d.Owner))); err != nil {
		return err
	}
	return c.ledger.Approve(d.Asset, d.Owner, d.Delegate, 0)
}

func (c *opContext) price(loan *LoanAccount) (oracle.Price, error) {
	return c.oracles.Read(loan.Oracle, c.now)
}

func (e *Engine) isWhitelisted(asset crypto.Address) bool {
	for _, allowed := range e.whitelist {
		if allowed.Equal(asset) {
			return true
		}
	}
	return false
}

// --- protocol administration ---

// InitializeProtocol creates the deployment's configuration and credit asset.
// The custodial authority becomes the credit asset's only minter.
func (e *Engine) InitializeProtocol(admin crypto.Address) (*ProtocolConfig, error) {
	var out *ProtocolConfig
	err := e.execute("initialize_protocol", func(c *opContext) error {
		if admin.IsZero() {
			return ErrInvalidUser
		}
		ltv := e.cfg.LTVRatioBps
		if ltv == 0 || ltv > MaxLTVRatioBps {
			return ErrInvalidLTVRatio
		}
		if _, err := c.protocol(); err == nil {
			return ErrProtocolAlreadyInitialized
		} else if !errors.Is(err, ErrProtocolNotInitialized) {
			return err
		}
		creditAsset := CreditAssetID(admin)
		if _, err := c.ledger.CreateAsset(creditAsset, e.cfg.CreditSymbol, e.cfg.CreditDecimals, e.authority); err != nil {
			return fmt.Errorf("create credit asset: %w", err)
		}
		cfg := &ProtocolConfig{
			Admin:       admin,
			LTVRatioBps: ltv,
			CreditAsset: creditAsset,
			Authority:   e.authority,
		}
		if err := c.putProtocol(cfg); err != nil {
			return err
		}
		c.emit(events.ProtocolInitialized{Admin: admin, CreditAsset: creditAsset, LTVRatioBps: ltv})
		out = cfg
		return nil
	})
	return out, err
}

// SetLocked toggles the protocol lock. Only the admin may sign.
func (e *Engine) SetLocked(admin crypto.Address, locked bool) error {
	return e.execute("set_locked", func(c *opContext) error {
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if !cfg.Admin.Equal(admin) {
			return ErrUnauthorizedAdmin
		}
		cfg.Locked = locked
		if err := c.putProtocol(cfg); err != nil {
			return err
		}
		c.emit(events.ProtocolLockChanged{Admin: admin, Locked: locked})
		return nil
	})
}

// CreateCollateralAsset registers a collateral asset on the ledger with the
// admin as its issuer. The asset must still be whitelisted to back loans.
func (e *Engine) CreateCollateralAsset(admin crypto.Address, symbol string, decimals uint8) (crypto.Address, error) {
	var asset crypto.Address
	err := e.execute("create_collateral_asset", func(c *opContext) error {
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if !cfg.Admin.Equal(admin) {
			return ErrUnauthorizedAdmin
		}
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			return ErrInvalidAssetSymbol
		}
		id := CollateralAssetID(symbol)
		if _, err := c.ledger.CreateAsset(id, symbol, decimals, admin); err != nil {
			if errors.Is(err, token.ErrAssetExists) {
				return ErrAssetAlreadyExists
			}
			return err
		}
		c.emit(events.CollateralAssetCreated{Asset: id, Symbol: symbol, Decimals: decimals})
		asset = id
		return nil
	})
	return asset, err
}

// MintCollateral issues collateral units. issuer must be the asset's mint
// authority; the credit asset can never be minted this way.
func (e *Engine) MintCollateral(issuer, asset, to crypto.Address, amount uint64) error {
	return e.execute("mint_collateral", func(c *opContext) error {
		if amount == 0 {
			return ErrInvalidAmount
		}
		if to.IsZero() {
			return ErrInvalidUser
		}
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if asset.Equal(cfg.CreditAsset) {
			return ErrInvalidCollateralMint
		}
		if err := c.ledger.Mint(asset, to, amount, issuer); err != nil {
			switch {
			case errors.Is(err, token.ErrUnauthorized):
				return ErrUnauthorizedAdmin
			case errors.Is(err, token.ErrAssetNotFound):
				return ErrUnsupportedCollateralMint
			}
			return err
		}
		c.emit(events.CollateralMinted{Asset: asset, To: to, Amount: amount})
		return nil
	})
}

// --- loan lifecycle ---

// InitializeLoan creates user's vault and loan bound to collateralAsset and
// oracleRef. No assets move.
func (e *Engine) InitializeLoan(user, collateralAsset, oracleRef crypto.Address) (*LoanAccount, error) {
	var out *LoanAccount
	err := e.execute("initialize_loan", func(c *opContext) error {
		if user.IsZero() {
			return ErrInvalidUser
		}
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if !e.isWhitelisted(collateralAsset) {
			return ErrUnsupportedCollateralMint
		}
		if collateralAsset.Equal(cfg.CreditAsset) {
			return ErrInvalidCollateralMint
		}
		if oracleRef.IsZero() {
			return ErrInvalidOracleAccount
		}
		if _, _, err := c.loan(user); err == nil {
			return ErrLoanAlreadyInitialized
		} else if !errors.Is(err, ErrLoanNotFound) {
			return err
		}

		vault := &CollateralVault{
			Owner:           user,
			CollateralAsset: collateralAsset,
			Authority:       cfg.Authority,
			Account:         VaultAccountAddress(user),
		}
		if _, err := c.ledger.OpenAccount(collateralAsset, vault.Account, cfg.Authority); err != nil {
			if errors.Is(err, token.ErrAssetNotFound) {
				return ErrUnsupportedCollateralMint
			}
			return fmt.Errorf("open vault account: %w", err)
		}
		loan := &LoanAccount{
			Owner:  user,
			Vault:  DeriveRecordKey(RoleVault, user),
			Oracle: oracleRef,
		}
		if err := c.putVault(vault); err != nil {
			return err
		}
		if err := c.putLoan(loan); err != nil {
			return err
		}
		if err := c.tx.KVAppend(loanIndexKey, user.Bytes()); err != nil {
			return err
		}
		c.emit(events.LoanInitialized{Owner: user, CollateralAsset: collateralAsset, Oracle: oracleRef, Vault: loan.Vault.String()})
		out = loan
		return nil
	})
	return out, err
}

// DepositCollateral moves amount of the vault's collateral asset from user to
// the vault, refreshes the spend delegation and raises the baseline.
func (e *Engine) DepositCollateral(user, asset crypto.Address, amount uint64) error {
	return e.execute("deposit_collateral", func(c *opContext) error {
		if amount == 0 {
			return ErrInvalidCollateralAmount
		}
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if err := nativecommon.Guard(cfg); err != nil {
			return err
		}
		loan, vault, err := c.ownedLoan(user)
		if err != nil {
			return err
		}
		if !asset.Equal(vault.CollateralAsset) {
			return ErrMintMismatch
		}
		if !e.isWhitelisted(vault.CollateralAsset) || vault.CollateralAsset.Equal(cfg.CreditAsset) {
			return ErrInvalidCollateralMint
		}
		balance, err := c.ledger.Balance(asset, user)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientBalance
		}
		baseline, err := checkedAdd(loan.CollateralAmount, amount)
		if err != nil {
			return err
		}

		if err := c.ledger.Transfer(asset, user, vault.Account, amount, user); err != nil {
			return fmt.Errorf("transfer collateral: %w", err)
		}
		if err := e.grantDelegation(c, cfg, loan); err != nil {
			return err
		}
		loan.CollateralAmount = baseline
		if err := c.putLoan(loan); err != nil {
			return err
		}
		c.emit(events.CollateralDeposited{Owner: user, Asset: asset, Amount: amount, Baseline: baseline})
		return nil
	})
}

func (e *Engine) grantDelegation(c *opContext, cfg *ProtocolConfig, loan *LoanAccount) error {
	d, ok, err := c.delegation(loan.Owner)
	if err != nil {
		return err
	}
	if !ok || d.Revoked {
		d = &SpendDelegation{
			Owner:    loan.Owner,
			Delegate: cfg.Authority,
			Asset:    cfg.CreditAsset,
		}
	}
	if d.Ceiling < loan.RemainingDebt {
		d.Ceiling = loan.RemainingDebt
	}
	d.Expiry = e.delegationExpiry(c.now)
	return c.putDelegation(d)
}

func (e *Engine) delegationExpiry(now time.Time) uint64 {
	if ttl := e.cfg.DelegationTTL(); ttl > 0 {
		return uint64(now.Add(ttl).Unix())
	}
	return 0
}

// Borrow mints the credit headroom between the LTV-capped collateral value and
// the current debt. It returns the minted amount.
func (e *Engine) Borrow(user crypto.Address) (uint64, error) {
	var minted uint64
	err := e.execute("borrow", func(c *opContext) error {
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if err := nativecommon.Guard(cfg); err != nil {
			return err
		}
		loan, _, err := c.ownedLoan(user)
		if err != nil {
			return err
		}
		if loan.CollateralAmount == 0 {
			return ErrNoCollateralDeposited
		}
		if cfg.LTVRatioBps == 0 || cfg.LTVRatioBps > MaxLTVRatioBps {
			return ErrInvalidLTVRatio
		}
		price, err := c.price(loan)
		if err != nil {
			return err
		}

		limit := maxBorrowable(loan.CollateralAmount, price.Value, cfg.LTVRatioBps)
		if limit.IsZero() {
			return ErrZeroBorrowAmount
		}
		if !limit.IsUint64() {
			return nativecommon.ErrMathOverflow
		}
		if limit.Uint64() <= loan.RemainingDebt {
			return ErrMaxBorrowLimitReached
		}
		additional := limit.Uint64() - loan.RemainingDebt
		debt, err := checkedAdd(loan.RemainingDebt, additional)
		if err != nil {
			return err
		}

		if err := c.ledger.Mint(cfg.CreditAsset, user, additional, cfg.Authority); err != nil {
			return fmt.Errorf("mint credit: %w", err)
		}
		d, ok, err := c.delegation(user)
		if err != nil {
			return err
		}
		if ok && !d.Revoked {
			ceiling, err := checkedAdd(d.Ceiling, additional)
			if err != nil {
				return err
			}
			d.Ceiling = ceiling
			d.Expiry = e.delegationExpiry(c.now)
			if err := c.putDelegation(d); err != nil {
				return err
			}
		}
		loan.RemainingDebt = debt
		if err := c.putLoan(loan); err != nil {
			return err
		}
		c.emit(events.CreditBorrowed{Owner: user, Amount: additional, Debt: debt, Price: price.Value})
		minted = additional
		return nil
	})
	if err == nil {
		metrics.Credit().AddMinted(minted)
	}
	return minted, err
}

// AutoRepay burns credit against the yield the vault accrued above its
// baseline. relayer may be any non-zero identity; authority to burn comes
// from the owner's spend delegation.
func (e *Engine) AutoRepay(relayer, owner crypto.Address) (*RepayResult, error) {
	var out *RepayResult
	err := e.execute("auto_repay", func(c *opContext) error {
		if relayer.IsZero() {
			return ErrInvalidUser
		}
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if err := nativecommon.Guard(cfg); err != nil {
			return err
		}
		loan, vault, err := c.loan(owner)
		if err != nil {
			return err
		}
		if loan.Closed || vault.Closed {
			return ErrLoanClosed
		}
		if loan.RemainingDebt == 0 {
			return ErrNoOutstandingDebt
		}
		vaultBalance, err := c.ledger.Balance(vault.CollateralAsset, vault.Account)
		if err != nil {
			return err
		}
		if vaultBalance < loan.CollateralAmount {
			return ErrNegativeYield
		}
		yield := vaultBalance - loan.CollateralAmount
		if yield == 0 {
			out = &RepayResult{NoOp: true, Remaining: loan.RemainingDebt}
			return nil
		}

		price, err := c.price(loan)
		if err != nil {
			return err
		}
		yieldValue, err := checkedMul(yield, price.Value)
		if err != nil {
			return err
		}
		if yieldValue == 0 {
			return ErrZeroRepaymentValue
		}
		repay := yieldValue
		if repay > loan.RemainingDebt {
			repay = loan.RemainingDebt
		}
		creditBalance, err := c.ledger.Balance(cfg.CreditAsset, owner)
		if err != nil {
			return err
		}
		if creditBalance == 0 {
			return ErrNoTokensToBurn
		}
		if creditBalance < repay {
			return ErrInsufficientCreditTokens
		}
		d, ok, err := c.delegation(owner)
		if err != nil {
			return err
		}
		if !ok || !d.Usable(c.now) {
			return ErrDelegationUnavailable
		}
		if d.Ceiling < repay {
			return ErrDelegationCeilingExceeded
		}
		debt, err := checkedSub(loan.RemainingDebt, repay)
		if err != nil {
			return err
		}
		earned, err := checkedAdd(loan.YieldEarned, yield)
		if err != nil {
			return err
		}

		if err := c.ledger.Burn(cfg.CreditAsset, owner, repay, d.Delegate); err != nil {
			return fmt.Errorf("burn credit: %w", err)
		}
		d.Ceiling -= repay
		if err := c.tx.KVPut(storageKey(RoleDelegation, DeriveRecordKey(RoleDelegation, owner)), d); err != nil {
			return err
		}
		loan.RemainingDebt = debt
		loan.YieldEarned = earned
		if err := c.putLoan(loan); err != nil {
			return err
		}
		c.emit(events.AutoRepaid{Owner: owner, Relayer: relayer, Yield: yield, Repaid: repay, Debt: debt, Price: price.Value})
		out = &RepayResult{
			Yield:      yield,
			Price:      price.Value,
			YieldValue: yieldValue,
			Repaid:     repay,
			Remaining:  debt,
		}
		return nil
	})
	if err == nil && out != nil {
		metrics.Credit().AddBurned(out.Repaid)
	}
	return out, err
}

// Withdraw settles the loan in full: it burns the outstanding debt, returns
// the whole vault balance to the owner and closes the vault.
func (e *Engine) Withdraw(user crypto.Address) (*WithdrawResult, error) {
	var out *WithdrawResult
	err := e.execute("withdraw", func(c *opContext) error {
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		if err := nativecommon.Guard(cfg); err != nil {
			return err
		}
		loan, vault, err := c.ownedLoan(user)
		if err != nil {
			return err
		}
		if loan.RemainingDebt == 0 {
			return ErrNoActiveLoan
		}
		price, err := c.price(loan)
		if err != nil {
			return err
		}
		vaultBalance, err := c.ledger.Balance(vault.CollateralAsset, vault.Account)
		if err != nil {
			return err
		}
		debt := loan.RemainingDebt
		if collateralValue(vaultBalance, price.Value).LtUint64(debt) {
			return ErrInsufficientCollateralValue
		}
		creditBalance, err := c.ledger.Balance(cfg.CreditAsset, user)
		if err != nil {
			return err
		}
		if creditBalance < debt {
			return ErrInsufficientCreditTokens
		}
		if vaultBalance < loan.CollateralAmount {
			return ErrNegativeYield
		}
		finalYield := vaultBalance - loan.CollateralAmount
		earned, err := checkedAdd(loan.YieldEarned, finalYield)
		if err != nil {
			return err
		}

		if err := c.ledger.Burn(cfg.CreditAsset, user, debt, user); err != nil {
			return fmt.Errorf("burn credit: %w", err)
		}
		if vaultBalance > 0 {
			if err := c.ledger.Transfer(vault.CollateralAsset, vault.Account, user, vaultBalance, vault.Authority); err != nil {
				return fmt.Errorf("return collateral: %w", err)
			}
		}
		if err := c.ledger.Close(vault.CollateralAsset, vault.Account, vault.Authority); err != nil {
			return fmt.Errorf("close vault account: %w", err)
		}
		if d, ok, err := c.delegation(user); err != nil {
			return err
		} else if ok {
			if err := c.deleteDelegation(d); err != nil {
				return err
			}
		}

		loan.CollateralAmount = 0
		loan.RemainingDebt = 0
		loan.YieldEarned = earned
		loan.Closed = true
		vault.Closed = true
		if err := c.putLoan(loan); err != nil {
			return err
		}
		if err := c.putVault(vault); err != nil {
			return err
		}
		c.emit(events.LoanSettled{Owner: user, Burned: debt, Returned: vaultBalance, YieldEarned: earned})
		out = &WithdrawResult{
			Burned:      debt,
			Returned:    vaultBalance,
			FinalYield:  finalYield,
			YieldEarned: earned,
		}
		return nil
	})
	if err == nil && out != nil {
		metrics.Credit().AddBurned(out.Burned)
	}
	return out, err
}

// RevokeDelegation withdraws the custodial authority's standing permission to
// burn owner's credit. It is honoured even while the protocol is locked.
func (e *Engine) RevokeDelegation(owner crypto.Address) error {
	return e.execute("revoke_delegation", func(c *opContext) error {
		if owner.IsZero() {
			return ErrInvalidUser
		}
		if _, _, err := c.loan(owner); err != nil {
			return err
		}
		d, ok, err := c.delegation(owner)
		if err != nil {
			return err
		}
		if !ok || d.Revoked {
			return ErrDelegationUnavailable
		}
		d.Revoked = true
		if err := c.putDelegation(d); err != nil {
			return err
		}
		c.emit(events.DelegationRevoked{Owner: owner, Delegate: d.Delegate})
		return nil
	})
}

// --- oracle feeds ---

// CreateSimpleFeed creates an authority-updatable feed stamped with the engine
// clock and returns its reference.
func (e *Engine) CreateSimpleFeed(authority crypto.Address, label string, price uint64) (crypto.Address, error) {
	var ref crypto.Address
	err := e.execute("create_simple_feed", func(c *opContext) error {
		created, err := c.oracles.CreateSimple(authority, label, price, c.now)
		if err != nil {
			return err
		}
		c.emit(events.FeedUpdated{Ref: created, Authority: authority, Kind: oracle.KindSimple.String()})
		ref = created
		return nil
	})
	return ref, err
}

// UpdateSimpleFeed overwrites a simple feed's price.
func (e *Engine) UpdateSimpleFeed(authority, ref crypto.Address, price uint64) error {
	return e.execute("update_simple_feed", func(c *opContext) error {
		if err := c.oracles.UpdateSimple(ref, authority, price, c.now); err != nil {
			return err
		}
		c.emit(events.FeedUpdated{Ref: ref, Authority: authority, Kind: oracle.KindSimple.String()})
		return nil
	})
}

// PublishExternalFeed creates or overwrites a multi-exponent feed.
func (e *Engine) PublishExternalFeed(publisher crypto.Address, label string, price oracle.ExternalPrice) (crypto.Address, error) {
	var ref crypto.Address
	err := e.execute("publish_external_feed", func(c *opContext) error {
		published, err := c.oracles.PublishExternal(publisher, label, price)
		if err != nil {
			return err
		}
		c.emit(events.FeedUpdated{Ref: published, Authority: publisher, Kind: oracle.KindExternal.String()})
		ref = published
		return nil
	})
	return ref, err
}

// --- read models ---

// Protocol returns the deployment configuration.
func (e *Engine) Protocol() (*ProtocolConfig, error) {
	var out *ProtocolConfig
	err := e.view(func(c *opContext) error {
		cfg, err := c.protocol()
		out = cfg
		return err
	})
	return out, err
}

// Position returns owner's loan joined with its live balances.
func (e *Engine) Position(owner crypto.Address) (*Position, error) {
	var out *Position
	err := e.view(func(c *opContext) error {
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		out, err = c.position(cfg, owner)
		return err
	})
	return out, err
}

// Positions returns every indexed loan position from a single read, so the
// set is consistent with respect to concurrent operations.
func (e *Engine) Positions() ([]*Position, error) {
	var out []*Position
	err := e.view(func(c *opContext) error {
		cfg, err := c.protocol()
		if err != nil {
			return err
		}
		owners, err := c.loanOwners()
		if err != nil {
			return err
		}
		out = make([]*Position, 0, len(owners))
		for _, owner := range owners {
			pos, err := c.position(cfg, owner)
			if err != nil {
				return err
			}
			out = append(out, pos)
		}
		return nil
	})
	return out, err
}

func (c *opContext) position(cfg *ProtocolConfig, owner crypto.Address) (*Position, error) {
	loan, vault, err := c.loan(owner)
	if err != nil {
		return nil, err
	}
	pos := &Position{Loan: *loan, Vault: *vault, Status: loan.Status()}
	if !vault.Closed {
		if pos.VaultBalance, err = c.ledger.Balance(vault.CollateralAsset, vault.Account); err != nil {
			return nil, err
		}
	}
	if pos.CreditBalance, err = c.ledger.Balance(cfg.CreditAsset, owner); err != nil {
		return nil, err
	}
	if d, ok, err := c.delegation(owner); err != nil {
		return nil, err
	} else if ok {
		pos.Delegation = d
	}
	return pos, nil
}

// Loan returns owner's loan record.
func (e *Engine) Loan(owner crypto.Address) (*LoanAccount, error) {
	var out *LoanAccount
	err := e.view(func(c *opContext) error {
		loan, _, err := c.loan(owner)
		out = loan
		return err
	})
	return out, err
}

// Vault returns owner's collateral vault record.
func (e *Engine) Vault(owner crypto.Address) (*CollateralVault, error) {
	var out *CollateralVault
	err := e.view(func(c *opContext) error {
		_, vault, err := c.loan(owner)
		out = vault
		return err
	})
	return out, err
}

// Delegation returns owner's spend delegation, or ErrDelegationUnavailable
// when none is recorded.
func (e *Engine) Delegation(owner crypto.Address) (*SpendDelegation, error) {
	var out *SpendDelegation
	err := e.view(func(c *opContext) error {
		d, ok, err := c.delegation(owner)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDelegationUnavailable
		}
		out = d
		return nil
	})
	return out, err
}

// LoanOwners lists every owner that initialised a loan, in creation order.
func (e *Engine) LoanOwners() ([]crypto.Address, error) {
	var owners []crypto.Address
	err := e.view(func(c *opContext) error {
		var err error
		owners, err = c.loanOwners()
		return err
	})
	return owners, err
}

func (c *opContext) loanOwners() ([]crypto.Address, error) {
	var raw [][]byte
	if err := c.tx.KVGetList(loanIndexKey, &raw); err != nil {
		return nil, err
	}
	owners := make([]crypto.Address, 0, len(raw))
	for _, b := range raw {
		owners = append(owners, crypto.AddressFromBytes(crypto.UserPrefix, b))
	}
	return owners, nil
}

// Feed returns the decoded oracle feed at ref.
func (e *Engine) Feed(ref crypto.Address) (*oracle.Feed, error) {
	var out *oracle.Feed
	err := e.view(func(c *opContext) error {
		feed, err := c.oracles.Feed(ref)
		out = feed
		return err
	})
	return out, err
}

// Balance returns holder's ledger balance of asset.
func (e *Engine) Balance(asset, holder crypto.Address) (uint64, error) {
	var out uint64
	err := e.view(func(c *opContext) error {
		balance, err := c.ledger.Balance(asset, holder)
		out = balance
		return err
	})
	return out, err
}
