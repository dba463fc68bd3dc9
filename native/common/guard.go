package common

// LockView exposes the protocol-wide lock flag to native modules.
type LockView interface {
	IsLocked() bool
}

// Guard returns ErrProtocolLocked when the view reports the protocol locked.
// A nil view never blocks.
func Guard(v LockView) error {
	if v == nil {
		return nil
	}
	if v.IsLocked() {
		return ErrProtocolLocked
	}
	return nil
}
