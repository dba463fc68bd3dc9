package oracle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"credx/crypto"
	nativecommon "credx/native/common"
)

// DefaultMaxAge is the freshness window applied to every price read.
const DefaultMaxAge = 300 * time.Second

var errNilState = errors.New("oracle: state not configured")

var (
	ErrEmptyOracleAccount       = nativecommon.NewError(nativecommon.KindOracle, "EmptyOracleAccount", "oracle account holds no data")
	ErrFailedToBorrowOracleData = nativecommon.NewError(nativecommon.KindOracle, "FailedToBorrowOracleData", "oracle account could not be read")
	ErrFailedToLoadPriceAccount = nativecommon.NewError(nativecommon.KindOracle, "FailedToLoadPriceAccount", "oracle account layout not recognised")
	ErrInvalidPriceStatus       = nativecommon.NewError(nativecommon.KindOracle, "InvalidPriceStatus", "oracle feed is not trading")
	ErrInvalidPrice             = nativecommon.NewError(nativecommon.KindOracle, "InvalidPrice", "oracle price must be positive")
	ErrStalePrice               = nativecommon.NewError(nativecommon.KindOracle, "StalePrice", "oracle price not updated within the freshness window")

	ErrFeedAlreadyExists         = nativecommon.NewError(nativecommon.KindValidation, "FeedAlreadyExists", "oracle feed already exists")
	ErrFeedNotFound              = nativecommon.NewError(nativecommon.KindValidation, "FeedNotFound", "oracle feed not found")
	ErrUnauthorizedFeedAuthority = nativecommon.NewError(nativecommon.KindValidation, "UnauthorizedFeedAuthority", "signer is not the feed authority")
	ErrInvalidFeedLabel          = nativecommon.NewError(nativecommon.KindValidation, "InvalidFeedLabel", "feed label must not be empty")
	ErrInvalidFeedAuthority      = nativecommon.NewError(nativecommon.KindValidation, "InvalidFeedAuthority", "feed authority must be set")
)

// KV is the transactional key/value surface feeds persist through.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Account is the raw feed record. Data holds the encoded feed layout.
type Account struct {
	Ref       crypto.Address
	Authority crypto.Address
	Data      []byte
}

// Price is a validated, normalised price read.
type Price struct {
	Value     uint64
	Timestamp int64
	Kind      Kind
}

// Feed is a decoded view of a feed account.
type Feed struct {
	Ref       crypto.Address
	Authority crypto.Address
	Kind      Kind
	Simple    *SimplePrice
	External  *ExternalPrice
}

// Registry creates, updates and reads price feeds.
type Registry struct {
	kv     KV
	maxAge time.Duration
}

// NewRegistry returns a registry enforcing maxAge on reads. Non-positive
// values fall back to DefaultMaxAge.
func NewRegistry(kv KV, maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Registry{kv: kv, maxAge: maxAge}
}

func feedKey(ref crypto.Address) []byte {
	return append([]byte("oracle/feed/"), ref.Bytes()...)
}

// FeedRef derives the feed address for an authority and label.
func FeedRef(kind Kind, authority crypto.Address, label string) crypto.Address {
	return crypto.DeriveAddress(crypto.ProtocolPrefix, []byte("oracle"), []byte(kind.String()), authority.Bytes(), []byte(label))
}

func (r *Registry) load(ref crypto.Address) (*Account, bool, error) {
	if r == nil || r.kv == nil {
		return nil, false, errNilState
	}
	acct := new(Account)
	ok, err := r.kv.KVGet(feedKey(ref), acct)
	if err != nil || !ok {
		return nil, false, err
	}
	return acct, true, nil
}

// CreateSimple creates a simple feed stamped with now.
func (r *Registry) CreateSimple(authority crypto.Address, label string, price uint64, now time.Time) (crypto.Address, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return crypto.Address{}, ErrInvalidFeedLabel
	}
	if authority.IsZero() {
		return crypto.Address{}, ErrInvalidFeedAuthority
	}
	ref := FeedRef(KindSimple, authority, label)
	_, exists, err := r.load(ref)
	if err != nil {
		return crypto.Address{}, err
	}
	if exists {
		return crypto.Address{}, ErrFeedAlreadyExists
	}
	acct := &Account{
		Ref:       ref,
		Authority: authority,
		Data:      encodeSimple(SimplePrice{Price: price, Timestamp: now.Unix()}),
	}
	if err := r.kv.KVPut(feedKey(ref), acct); err != nil {
		return crypto.Address{}, err
	}
	return ref, nil
}

// UpdateSimple overwrites a simple feed's price and stamps it with now.
func (r *Registry) UpdateSimple(ref, signer crypto.Address, price uint64, now time.Time) error {
	acct, ok, err := r.load(ref)
	if err != nil {
		return err
	}
	if !ok || detectKind(acct.Data) != KindSimple {
		return ErrFeedNotFound
	}
	if !acct.Authority.Equal(signer) {
		return ErrUnauthorizedFeedAuthority
	}
	acct.Data = encodeSimple(SimplePrice{Price: price, Timestamp: now.Unix()})
	return r.kv.KVPut(feedKey(ref), acct)
}

// PublishExternal creates or overwrites an external feed owned by publisher.
func (r *Registry) PublishExternal(publisher crypto.Address, label string, price ExternalPrice) (crypto.Address, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return crypto.Address{}, ErrInvalidFeedLabel
	}
	if publisher.IsZero() {
		return crypto.Address{}, ErrInvalidFeedAuthority
	}
	ref := FeedRef(KindExternal, publisher, label)
	acct, ok, err := r.load(ref)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok {
		acct = &Account{Ref: ref, Authority: publisher}
	} else if !acct.Authority.Equal(publisher) {
		return crypto.Address{}, ErrUnauthorizedFeedAuthority
	}
	acct.Data = encodeExternal(price)
	if err := r.kv.KVPut(feedKey(ref), acct); err != nil {
		return crypto.Address{}, err
	}
	return ref, nil
}

// Feed returns the decoded feed without freshness checks.
func (r *Registry) Feed(ref crypto.Address) (*Feed, error) {
	acct, ok, err := r.load(ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFeedNotFound
	}
	feed := &Feed{Ref: acct.Ref, Authority: acct.Authority, Kind: detectKind(acct.Data)}
	switch feed.Kind {
	case KindSimple:
		simple, err := decodeSimple(acct.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadPriceAccount, err)
		}
		feed.Simple = &simple
	case KindExternal:
		external, err := decodeExternal(acct.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadPriceAccount, err)
		}
		feed.External = &external
	}
	return feed, nil
}

// Read loads the feed bound to ref and validates it at now.
func (r *Registry) Read(ref crypto.Address, now time.Time) (Price, error) {
	if ref.IsZero() {
		return Price{}, ErrFailedToBorrowOracleData
	}
	acct, ok, err := r.load(ref)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrFailedToBorrowOracleData, err)
	}
	if !ok {
		return Price{}, ErrFailedToBorrowOracleData
	}
	if len(acct.Data) == 0 {
		return Price{}, ErrEmptyOracleAccount
	}
	switch detectKind(acct.Data) {
	case KindSimple:
		simple, err := decodeSimple(acct.Data)
		if err != nil {
			return Price{}, fmt.Errorf("%w: %v", ErrFailedToLoadPriceAccount, err)
		}
		return r.validateSimple(simple, now)
	case KindExternal:
		external, err := decodeExternal(acct.Data)
		if err != nil {
			return Price{}, fmt.Errorf("%w: %v", ErrFailedToLoadPriceAccount, err)
		}
		return r.validateExternal(external, now)
	default:
		return Price{}, ErrFailedToLoadPriceAccount
	}
}

func (r *Registry) validateSimple(p SimplePrice, now time.Time) (Price, error) {
	if p.Price == 0 {
		return Price{}, ErrInvalidPrice
	}
	if err := r.checkFresh(p.Timestamp, now); err != nil {
		return Price{}, err
	}
	return Price{Value: p.Price, Timestamp: p.Timestamp, Kind: KindSimple}, nil
}

func (r *Registry) validateExternal(p ExternalPrice, now time.Time) (Price, error) {
	if p.Status != StatusTrading {
		return Price{}, ErrInvalidPriceStatus
	}
	if p.Price <= 0 {
		return Price{}, ErrInvalidPrice
	}
	if err := r.checkFresh(p.PublishTime, now); err != nil {
		return Price{}, err
	}
	value, err := Normalize(uint64(p.Price), p.Expo)
	if err != nil {
		return Price{}, err
	}
	if value == 0 {
		return Price{}, ErrInvalidPrice
	}
	return Price{Value: value, Timestamp: p.PublishTime, Kind: KindExternal}, nil
}

func (r *Registry) checkFresh(ts int64, now time.Time) error {
	if now.Unix()-ts >= int64(r.maxAge/time.Second) {
		return ErrStalePrice
	}
	return nil
}

// Normalize scales price by 10^expo, truncating for negative exponents.
func Normalize(price uint64, expo int32) (uint64, error) {
	if expo == 0 {
		return price, nil
	}
	magnitude := uint32(expo)
	if expo < 0 {
		magnitude = uint32(-int64(expo))
	}
	scale, overflow := pow10(magnitude)
	value := uint256.NewInt(price)
	if expo < 0 {
		if overflow {
			return 0, nil
		}
		return new(uint256.Int).Div(value, scale).Uint64(), nil
	}
	if overflow {
		return 0, nativecommon.ErrMathOverflow
	}
	scaled, over := new(uint256.Int).MulOverflow(value, scale)
	if over || !scaled.IsUint64() {
		return 0, nativecommon.ErrMathOverflow
	}
	return scaled.Uint64(), nil
}

func pow10(exp uint32) (*uint256.Int, bool) {
	result := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint32(0); i < exp; i++ {
		next, overflow := new(uint256.Int).MulOverflow(result, ten)
		if overflow {
			return result, true
		}
		result = next
	}
	return result, false
}
