package lending

import (
	"time"

	"credx/crypto"
)

// ProtocolConfig is the deployment-wide policy record.
type ProtocolConfig struct {
	// Admin initialised the protocol and may lock or unlock it.
	Admin crypto.Address
	// LTVRatioBps caps credit per unit of collateral value, in basis points.
	LTVRatioBps uint64
	// CreditAsset is the protocol-issued asset representing drawn debt.
	CreditAsset crypto.Address
	// Authority is the custodial authority and sole minter of CreditAsset.
	Authority crypto.Address
	// Locked halts every user-facing state transition while set.
	Locked bool
}

// IsLocked satisfies nativecommon.LockView.
func (p *ProtocolConfig) IsLocked() bool {
	return p != nil && p.Locked
}

// CollateralVault is a user's custodial holding of one collateral asset.
type CollateralVault struct {
	Owner           crypto.Address
	CollateralAsset crypto.Address
	Authority       crypto.Address
	// Account is the ledger holder address of the vault sub-account.
	Account crypto.Address
	Closed  bool
}

// LoanAccount records a user's deposited baseline, debt and realised yield.
type LoanAccount struct {
	Owner crypto.Address
	// Vault is the record key of the owner's collateral vault.
	Vault RecordKey
	// CollateralAmount is the deposited baseline. The live vault balance may
	// exceed it as the collateral accrues yield.
	CollateralAmount uint64
	RemainingDebt    uint64
	// YieldEarned accumulates yield consumed by repayments and settlement.
	YieldEarned uint64
	// Oracle is the feed bound at initialisation; later reads never accept a
	// different feed.
	Oracle crypto.Address
	Closed bool
}

// LoanStatus is the lifecycle stage of a loan.
type LoanStatus string

const (
	LoanStatusCollateralized LoanStatus = "collateralized"
	LoanStatusActive         LoanStatus = "active"
	LoanStatusClosed         LoanStatus = "closed"
)

// Status derives the lifecycle stage from the counters.
func (l *LoanAccount) Status() LoanStatus {
	switch {
	case l == nil || l.Closed:
		return LoanStatusClosed
	case l.RemainingDebt > 0:
		return LoanStatusActive
	default:
		return LoanStatusCollateralized
	}
}

// SpendDelegation is the owner's standing permission for the custodial
// authority to burn credit on their behalf during AutoRepay.
type SpendDelegation struct {
	Owner    crypto.Address
	Delegate crypto.Address
	Asset    crypto.Address
	// Ceiling is the most credit the delegate may still burn.
	Ceiling uint64
	// Expiry is a unix timestamp; zero never expires.
	Expiry  uint64
	Revoked bool
}

// Usable reports whether the delegation may be exercised at now.
func (d *SpendDelegation) Usable(now time.Time) bool {
	if d == nil || d.Revoked {
		return false
	}
	return d.Expiry == 0 || uint64(now.Unix()) < d.Expiry
}

// RepayResult describes one AutoRepay execution.
type RepayResult struct {
	// NoOp is set when the vault held no yield; nothing else is populated.
	NoOp       bool
	Yield      uint64
	Price      uint64
	YieldValue uint64
	Repaid     uint64
	Remaining  uint64
}

// WithdrawResult describes a settled loan.
type WithdrawResult struct {
	Burned      uint64
	Returned    uint64
	FinalYield  uint64
	YieldEarned uint64
}

// Position is a read model joining a loan with its live balances.
type Position struct {
	Loan          LoanAccount
	Vault         CollateralVault
	Delegation    *SpendDelegation
	VaultBalance  uint64
	CreditBalance uint64
	Status        LoanStatus
}
