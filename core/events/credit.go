package events

import (
	"strconv"

	"credx/crypto"
)

const (
	TypeProtocolInitialized    = "credit.protocol.initialized"
	TypeProtocolLockChanged    = "credit.protocol.lock_changed"
	TypeCollateralAssetCreated = "credit.collateral_asset.created"
	TypeCollateralMinted       = "credit.collateral_asset.minted"
	TypeLoanInitialized        = "credit.loan.initialized"
	TypeCollateralDeposited    = "credit.collateral.deposited"
	TypeCreditBorrowed         = "credit.borrowed"
	TypeAutoRepaid             = "credit.auto_repaid"
	TypeLoanSettled            = "credit.loan.settled"
	TypeDelegationRevoked      = "credit.delegation.revoked"
	TypeFeedUpdated            = "oracle.feed.updated"
)

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

type ProtocolInitialized struct {
	Admin       crypto.Address
	CreditAsset crypto.Address
	LTVRatioBps uint64
}

func (ProtocolInitialized) EventType() string { return TypeProtocolInitialized }

func (e ProtocolInitialized) Record() Record {
	return Record{Type: TypeProtocolInitialized, Attributes: map[string]string{
		"admin":       e.Admin.String(),
		"creditAsset": e.CreditAsset.String(),
		"ltvRatioBps": u64(e.LTVRatioBps),
	}}
}

type ProtocolLockChanged struct {
	Admin  crypto.Address
	Locked bool
}

func (ProtocolLockChanged) EventType() string { return TypeProtocolLockChanged }

func (e ProtocolLockChanged) Record() Record {
	return Record{Type: TypeProtocolLockChanged, Attributes: map[string]string{
		"admin":  e.Admin.String(),
		"locked": strconv.FormatBool(e.Locked),
	}}
}

type CollateralAssetCreated struct {
	Asset    crypto.Address
	Symbol   string
	Decimals uint8
}

func (CollateralAssetCreated) EventType() string { return TypeCollateralAssetCreated }

func (e CollateralAssetCreated) Record() Record {
	return Record{Type: TypeCollateralAssetCreated, Attributes: map[string]string{
		"asset":    e.Asset.String(),
		"symbol":   e.Symbol,
		"decimals": u64(uint64(e.Decimals)),
	}}
}

type CollateralMinted struct {
	Asset  crypto.Address
	To     crypto.Address
	Amount uint64
}

func (CollateralMinted) EventType() string { return TypeCollateralMinted }

func (e CollateralMinted) Record() Record {
	return Record{Type: TypeCollateralMinted, Attributes: map[string]string{
		"asset":  e.Asset.String(),
		"to":     e.To.String(),
		"amount": u64(e.Amount),
	}}
}

type LoanInitialized struct {
	Owner           crypto.Address
	CollateralAsset crypto.Address
	Oracle          crypto.Address
	Vault           string
}

func (LoanInitialized) EventType() string { return TypeLoanInitialized }

func (e LoanInitialized) Record() Record {
	return Record{Type: TypeLoanInitialized, Attributes: map[string]string{
		"owner":           e.Owner.String(),
		"collateralAsset": e.CollateralAsset.String(),
		"oracle":          e.Oracle.String(),
		"vault":           e.Vault,
	}}
}

type CollateralDeposited struct {
	Owner    crypto.Address
	Asset    crypto.Address
	Amount   uint64
	Baseline uint64
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Record() Record {
	return Record{Type: TypeCollateralDeposited, Attributes: map[string]string{
		"owner":    e.Owner.String(),
		"asset":    e.Asset.String(),
		"amount":   u64(e.Amount),
		"baseline": u64(e.Baseline),
	}}
}

type CreditBorrowed struct {
	Owner  crypto.Address
	Amount uint64
	Debt   uint64
	Price  uint64
}

func (CreditBorrowed) EventType() string { return TypeCreditBorrowed }

func (e CreditBorrowed) Record() Record {
	return Record{Type: TypeCreditBorrowed, Attributes: map[string]string{
		"owner":  e.Owner.String(),
		"amount": u64(e.Amount),
		"debt":   u64(e.Debt),
		"price":  u64(e.Price),
	}}
}

type AutoRepaid struct {
	Owner   crypto.Address
	Relayer crypto.Address
	Yield   uint64
	Repaid  uint64
	Debt    uint64
	Price   uint64
}

func (AutoRepaid) EventType() string { return TypeAutoRepaid }

func (e AutoRepaid) Record() Record {
	return Record{Type: TypeAutoRepaid, Attributes: map[string]string{
		"owner":   e.Owner.String(),
		"relayer": e.Relayer.String(),
		"yield":   u64(e.Yield),
		"repaid":  u64(e.Repaid),
		"debt":    u64(e.Debt),
		"price":   u64(e.Price),
	}}
}

type LoanSettled struct {
	Owner       crypto.Address
	Burned      uint64
	Returned    uint64
	YieldEarned uint64
}

func (LoanSettled) EventType() string { return TypeLoanSettled }

func (e LoanSettled) Record() Record {
	return Record{Type: TypeLoanSettled, Attributes: map[string]string{
		"owner":       e.Owner.String(),
		"burned":      u64(e.Burned),
		"returned":    u64(e.Returned),
		"yieldEarned": u64(e.YieldEarned),
	}}
}

type DelegationRevoked struct {
	Owner    crypto.Address
	Delegate crypto.Address
}

func (DelegationRevoked) EventType() string { return TypeDelegationRevoked }

func (e DelegationRevoked) Record() Record {
	return Record{Type: TypeDelegationRevoked, Attributes: map[string]string{
		"owner":    e.Owner.String(),
		"delegate": e.Delegate.String(),
	}}
}

type FeedUpdated struct {
	Ref       crypto.Address
	Authority crypto.Address
	Kind      string
}

func (FeedUpdated) EventType() string { return TypeFeedUpdated }

func (e FeedUpdated) Record() Record {
	return Record{Type: TypeFeedUpdated, Attributes: map[string]string{
		"ref":       e.Ref.String(),
		"authority": e.Authority.String(),
		"kind":      e.Kind,
	}}
}
