package token

import (
	"errors"
	"math/bits"
	"strings"

	"credx/crypto"
	nativecommon "credx/native/common"
)

var (
	errNilState              = errors.New("token ledger: state not configured")
	ErrInvalidAmount         = errors.New("token ledger: amount must be positive")
	ErrAssetExists           = errors.New("token ledger: asset already exists")
	ErrAssetNotFound         = errors.New("token ledger: asset not found")
	ErrAccountExists         = errors.New("token ledger: account already exists")
	ErrAccountNotFound       = errors.New("token ledger: account not found")
	ErrInsufficientFunds     = errors.New("token ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("token ledger: insufficient allowance")
	ErrUnauthorized          = errors.New("token ledger: signer not authorised")
	ErrNonZeroBalance        = errors.New("token ledger: account balance must be zero to close")
)

// KV is the transactional key/value surface the ledger persists through.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Asset describes a fungible asset tracked by the ledger.
type Asset struct {
	ID            crypto.Address
	Symbol        string
	Decimals      uint8
	MintAuthority crypto.Address
	Supply        uint64
}

// Account is a balance holder for one asset. Authority signs transfers, burns
// and closes; for user wallets it equals Holder.
type Account struct {
	Asset     crypto.Address
	Holder    crypto.Address
	Authority crypto.Address
	Balance   uint64
}

type allowance struct {
	Amount uint64
}

// Ledger implements transfer, mint, burn, approve and close over KV.
type Ledger struct {
	kv KV
}

func NewLedger(kv KV) *Ledger {
	return &Ledger{kv: kv}
}

func assetKey(id crypto.Address) []byte {
	return append([]byte("token/asset/"), id.Bytes()...)
}

func accountKey(asset, holder crypto.Address) []byte {
	key := append([]byte("token/account/"), asset.Bytes()...)
	return append(key, holder.Bytes()...)
}

func allowanceKey(asset, owner, delegate crypto.Address) []byte {
	key := append([]byte("token/allowance/"), asset.Bytes()...)
	key = append(key, owner.Bytes()...)
	return append(key, delegate.Bytes()...)
}

// CreateAsset registers a new asset with zero supply.
func (l *Ledger) CreateAsset(id crypto.Address, symbol string, decimals uint8, mintAuthority crypto.Address) (*Asset, error) {
	if l == nil || l.kv == nil {
		return nil, errNilState
	}
	ok, err := l.kv.KVGet(assetKey(id), nil)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAssetExists
	}
	asset := &Asset{
		ID:            id,
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		Decimals:      decimals,
		MintAuthority: mintAuthority,
	}
	if err := l.kv.KVPut(assetKey(id), asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// Asset loads the asset metadata.
func (l *Ledger) Asset(id crypto.Address) (*Asset, error) {
	if l == nil || l.kv == nil {
		return nil, errNilState
	}
	asset := new(Asset)
	ok, err := l.kv.KVGet(assetKey(id), asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}

// OpenAccount creates an empty account controlled by authority.
func (l *Ledger) OpenAccount(asset, holder, authority crypto.Address) (*Account, error) {
	if _, err := l.Asset(asset); err != nil {
		return nil, err
	}
	_, ok, err := l.Account(asset, holder)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAccountExists
	}
	acct := &Account{Asset: asset, Holder: holder, Authority: authority}
	if err := l.kv.KVPut(accountKey(asset, holder), acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Account loads an account. The boolean reports whether it exists.
func (l *Ledger) Account(asset, holder crypto.Address) (*Account, bool, error) {
	if l == nil || l.kv == nil {
		return nil, false, errNilState
	}
	acct := new(Account)
	ok, err := l.kv.KVGet(accountKey(asset, holder), acct)
	if err != nil || !ok {
		return nil, false, err
	}
	return acct, true, nil
}

// Balance returns the holder's balance, zero when no account exists.
func (l *Ledger) Balance(asset, holder crypto.Address) (uint64, error) {
	acct, ok, err := l.Account(asset, holder)
	if err != nil || !ok {
		return 0, err
	}
	return acct.Balance, nil
}

// Allowance returns the amount delegate may still move from owner's account.
func (l *Ledger) Allowance(asset, owner, delegate crypto.Address) (uint64, error) {
	if l == nil || l.kv == nil {
		return 0, errNilState
	}
	var a allowance
	if _, err := l.kv.KVGet(allowanceKey(asset, owner, delegate), &a); err != nil {
		return 0, err
	}
	return a.Amount, nil
}

// Approve sets the allowance of delegate over owner's account. Zero removes it.
func (l *Ledger) Approve(asset, owner, delegate crypto.Address, amount uint64) error {
	if _, err := l.Asset(asset); err != nil {
		return err
	}
	key := allowanceKey(asset, owner, delegate)
	if amount == 0 {
		return l.kv.KVDelete(key)
	}
	return l.kv.KVPut(key, allowance{Amount: amount})
}

// Transfer moves amount between holders. signer must be the source account
// authority or a delegate with enough allowance.
func (l *Ledger) Transfer(asset, from, to crypto.Address, amount uint64, signer crypto.Address) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if _, err := l.Asset(asset); err != nil {
		return err
	}
	src, ok, err := l.Account(asset, from)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if src.Balance < amount {
		return ErrInsufficientFunds
	}
	if err := l.authorize(src, signer, amount); err != nil {
		return err
	}
	if from.Equal(to) {
		return nil
	}
	dst, ok, err := l.Account(asset, to)
	if err != nil {
		return err
	}
	if !ok {
		dst = &Account{Asset: asset, Holder: to, Authority: to}
	}
	credited, carry := bits.Add64(dst.Balance, amount, 0)
	if carry != 0 {
		return nativecommon.ErrMathOverflow
	}
	src.Balance -= amount
	dst.Balance = credited
	if err := l.kv.KVPut(accountKey(asset, from), src); err != nil {
		return err
	}
	return l.kv.KVPut(accountKey(asset, to), dst)
}

// Mint creates amount of asset in to's account. Only the mint authority may
// sign.
func (l *Ledger) Mint(asset, to crypto.Address, amount uint64, authority crypto.Address) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	meta, err := l.Asset(asset)
	if err != nil {
		return err
	}
	if !meta.MintAuthority.Equal(authority) {
		return ErrUnauthorized
	}
	supply, carry := bits.Add64(meta.Supply, amount, 0)
	if carry != 0 {
		return nativecommon.ErrMathOverflow
	}
	dst, ok, err := l.Account(asset, to)
	if err != nil {
		return err
	}
	if !ok {
		dst = &Account{Asset: asset, Holder: to, Authority: to}
	}
	balance, carry := bits.Add64(dst.Balance, amount, 0)
	if carry != 0 {
		return nativecommon.ErrMathOverflow
	}
	meta.Supply = supply
	dst.Balance = balance
	if err := l.kv.KVPut(assetKey(asset), meta); err != nil {
		return err
	}
	return l.kv.KVPut(accountKey(asset, to), dst)
}

// Burn destroys amount from from's account. signer follows the Transfer rules.
func (l *Ledger) Burn(asset, from crypto.Address, amount uint64, signer crypto.Address) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	meta, err := l.Asset(asset)
	if err != nil {
		return err
	}
	src, ok, err := l.Account(asset, from)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if src.Balance < amount {
		return ErrInsufficientFunds
	}
	if meta.Supply < amount {
		return nativecommon.ErrMathUnderflow
	}
	if err := l.authorize(src, signer, amount); err != nil {
		return err
	}
	src.Balance -= amount
	meta.Supply -= amount
	if err := l.kv.KVPut(assetKey(asset), meta); err != nil {
		return err
	}
	return l.kv.KVPut(accountKey(asset, from), src)
}

// Close removes an empty account. Only its authority may sign.
func (l *Ledger) Close(asset, holder, signer crypto.Address) error {
	acct, ok, err := l.Account(asset, holder)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if !acct.Authority.Equal(signer) {
		return ErrUnauthorized
	}
	if acct.Balance != 0 {
		return ErrNonZeroBalance
	}
	return l.kv.KVDelete(accountKey(asset, holder))
}

func (l *Ledger) authorize(acct *Account, signer crypto.Address, amount uint64) error {
	if acct.Authority.Equal(signer) {
		return nil
	}
	allowed, err := l.Allowance(acct.Asset, acct.Holder, signer)
	if err != nil {
		return err
	}
	if allowed == 0 {
		return ErrUnauthorized
	}
	if allowed < amount {
		return ErrInsufficientAllowance
	}
	return l.Approve(acct.Asset, acct.Holder, signer, allowed-amount)
}
