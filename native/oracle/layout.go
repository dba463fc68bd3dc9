package oracle

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind identifies the on-state layout of a feed account.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindSimple is a single-scale {price, timestamp} record updated by its
	// authority.
	KindSimple
	// KindExternal is a multi-exponent feed carrying a trading status.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Status is the trading status reported by an external feed.
type Status uint32

const (
	StatusUnknown Status = iota
	StatusTrading
	StatusHalted
	StatusAuction
)

func (s Status) String() string {
	switch s {
	case StatusTrading:
		return "trading"
	case StatusHalted:
		return "halted"
	case StatusAuction:
		return "auction"
	default:
		return "unknown"
	}
}

// ParseStatus maps a status name to its value. Unrecognised names map to
// StatusUnknown.
func ParseStatus(name string) Status {
	switch name {
	case "trading":
		return StatusTrading
	case "halted":
		return StatusHalted
	case "auction":
		return StatusAuction
	default:
		return StatusUnknown
	}
}

var simpleDiscriminator = []byte("cxsimple")

const (
	simpleSize   = 8 + 8 + 8
	externalSize = 4 + 4 + 4 + 4 + 8 + 8 + 8

	externalMagic   uint32 = 0xa1b2c3d4
	externalVersion uint32 = 2
)

// SimplePrice is the payload of a simple feed.
type SimplePrice struct {
	Price     uint64
	Timestamp int64
}

// ExternalPrice is the payload of a multi-exponent feed. The real price is
// Price * 10^Expo.
type ExternalPrice struct {
	Price       int64
	Confidence  uint64
	Expo        int32
	Status      Status
	PublishTime int64
}

func encodeSimple(p SimplePrice) []byte {
	buf := make([]byte, simpleSize)
	copy(buf, simpleDiscriminator)
	binary.LittleEndian.PutUint64(buf[8:], p.Price)
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.Timestamp))
	return buf
}

func encodeExternal(p ExternalPrice) []byte {
	buf := make([]byte, externalSize)
	binary.LittleEndian.PutUint32(buf[0:], externalMagic)
	binary.LittleEndian.PutUint32(buf[4:], externalVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.Expo))
	binary.LittleEndian.PutUint32(buf[12:], uint32(p.Status))
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.Price))
	binary.LittleEndian.PutUint64(buf[24:], p.Confidence)
	binary.LittleEndian.PutUint64(buf[32:], uint64(p.PublishTime))
	return buf
}

func detectKind(data []byte) Kind {
	if len(data) >= len(simpleDiscriminator) && bytes.Equal(data[:len(simpleDiscriminator)], simpleDiscriminator) {
		return KindSimple
	}
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == externalMagic {
		return KindExternal
	}
	return KindUnknown
}

func decodeSimple(data []byte) (SimplePrice, error) {
	if len(data) != simpleSize || detectKind(data) != KindSimple {
		return SimplePrice{}, fmt.Errorf("simple feed: unexpected layout (%d bytes)", len(data))
	}
	return SimplePrice{
		Price:     binary.LittleEndian.Uint64(data[8:]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[16:])),
	}, nil
}

func decodeExternal(data []byte) (ExternalPrice, error) {
	if len(data) != externalSize || detectKind(data) != KindExternal {
		return ExternalPrice{}, fmt.Errorf("external feed: unexpected layout (%d bytes)", len(data))
	}
	if version := binary.LittleEndian.Uint32(data[4:]); version != externalVersion {
		return ExternalPrice{}, fmt.Errorf("external feed: unsupported version %d", version)
	}
	return ExternalPrice{
		Expo:        int32(binary.LittleEndian.Uint32(data[8:])),
		Status:      Status(binary.LittleEndian.Uint32(data[12:])),
		Price:       int64(binary.LittleEndian.Uint64(data[16:])),
		Confidence:  binary.LittleEndian.Uint64(data[24:]),
		PublishTime: int64(binary.LittleEndian.Uint64(data[32:])),
	}, nil
}
