package lending

import (
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"credx/crypto"
)

// Role tags the kind of record addressed by a RecordKey.
type Role string

const (
	RoleProtocol   Role = "protocol"
	RoleVault      Role = "collateral_vault"
	RoleLoan       Role = "loan"
	RoleDelegation Role = "delegation"
)

// RecordKey addresses a record by role and owner.
type RecordKey [32]byte

// DeriveRecordKey returns the unique key for role and owner.
func DeriveRecordKey(role Role, owner crypto.Address) RecordKey {
	buf := make([]byte, 0, len(role)+1+len(owner.Bytes()))
	buf = append(buf, role...)
	buf = append(buf, 0)
	buf = append(buf, owner.Bytes()...)
	return blake3.Sum256(buf)
}

// VerifyRecordKey reports ErrInvalidRecordHandle unless handle is the key
// derived for role and owner.
func VerifyRecordKey(handle RecordKey, role Role, owner crypto.Address) error {
	if handle != DeriveRecordKey(role, owner) {
		return ErrInvalidRecordHandle
	}
	return nil
}

func (k RecordKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k RecordKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseRecordKey decodes a hex-encoded key.
func ParseRecordKey(s string) (RecordKey, error) {
	var key RecordKey
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return key, fmt.Errorf("decode record key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("record key must be %d bytes", len(key))
	}
	copy(key[:], raw)
	return key, nil
}

func storageKey(role Role, key RecordKey) []byte {
	out := make([]byte, 0, 7+len(role)+1+len(key))
	out = append(out, "credit/"...)
	out = append(out, role...)
	out = append(out, '/')
	return append(out, key[:]...)
}

var (
	protocolPointerKey = []byte("credit/protocol/current")
	loanIndexKey       = []byte("credit/loans/index")
)

// AuthorityAddress is the custodial authority that mints credit and moves
// vault balances.
func AuthorityAddress() crypto.Address {
	return crypto.DeriveAddress(crypto.ProtocolPrefix, []byte("program_authority"))
}

// CreditAssetID is the credit asset created for a deployment administered by
// admin.
func CreditAssetID(admin crypto.Address) crypto.Address {
	return crypto.DeriveAddress(crypto.AssetPrefix, []byte("credit"), admin.Bytes())
}

// CollateralAssetID is the ledger identity of a collateral asset created by
// symbol through the engine.
func CollateralAssetID(symbol string) crypto.Address {
	return crypto.DeriveAddress(crypto.AssetPrefix, []byte("collateral"), []byte(strings.ToUpper(strings.TrimSpace(symbol))))
}

// VaultAccountAddress is the ledger holder of owner's collateral vault.
func VaultAccountAddress(owner crypto.Address) crypto.Address {
	return crypto.DeriveAddress(crypto.ProtocolPrefix, []byte("collateral_vault"), owner.Bytes())
}
