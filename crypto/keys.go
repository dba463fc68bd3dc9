package crypto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// UserPrefix marks externally owned accounts (borrowers, admins, relayers).
	UserPrefix AddressPrefix = "cx"
	// AssetPrefix marks fungible asset identities on the token ledger.
	AssetPrefix AddressPrefix = "cxa"
	// ProtocolPrefix marks accounts derived by the protocol itself, such as the
	// custodial authority, vault sub-accounts and oracle feeds.
	ProtocolPrefix AddressPrefix = "cxp"
)

// AddressLength is the byte length of every address.
const AddressLength = 20

var derivationTag = []byte("credx/derive")

// Address represents a 20-byte address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is unset or consists only of zero bytes.
func (a Address) IsZero() bool {
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal compares the raw address bytes. Prefixes are presentation only.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

type rlpAddress struct {
	Prefix string
	Bytes  []byte
}

// EncodeRLP stores the prefix alongside the raw bytes so persisted records
// round-trip with their presentation intact.
func (a Address) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, rlpAddress{Prefix: string(a.prefix), Bytes: a.bytes})
}

func (a *Address) DecodeRLP(s *rlp.Stream) error {
	var raw rlpAddress
	if err := s.Decode(&raw); err != nil {
		return err
	}
	if len(raw.Bytes) == 0 {
		*a = Address{}
		return nil
	}
	if len(raw.Bytes) != AddressLength {
		return fmt.Errorf("invalid address length %d", len(raw.Bytes))
	}
	*a = NewAddress(AddressPrefix(raw.Prefix), raw.Bytes)
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("invalid address length %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// AddressFromBytes restores an address persisted as raw bytes. Empty input
// yields the zero Address.
func AddressFromBytes(prefix AddressPrefix, b []byte) Address {
	if len(b) == 0 {
		return Address{}
	}
	return NewAddress(prefix, b)
}

// DeriveAddress deterministically derives a signer-less address from the
// supplied seeds. The same seeds always produce the same address.
func DeriveAddress(prefix AddressPrefix, seeds ...[]byte) Address {
	parts := make([][]byte, 0, len(seeds)+1)
	parts = append(parts, derivationTag)
	for _, seed := range seeds {
		parts = append(parts, lengthPrefixed(seed))
	}
	hash := crypto.Keccak256(parts...)
	return NewAddress(prefix, hash[len(hash)-AddressLength:])
}

func lengthPrefixed(seed []byte) []byte {
	out := make([]byte, 0, len(seed)+2)
	out = append(out, byte(len(seed)>>8), byte(len(seed)))
	return append(out, seed...)
}
