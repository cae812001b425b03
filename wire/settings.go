package wire

// Encryption modes.
const (
	EncryptionModeNone  = "none"
	EncryptionModeSSEB2 = "SSE-B2"
	EncryptionModeSSEC  = "SSE-C"
)

// EncryptionSetting is passed through to the service unchanged. The engine only compares it.
type EncryptionSetting struct {
	Mode      string
	Algorithm string
	// Key is only sent, never returned by the service, so it takes no part in Equal.
	Key   string
	KeyID string
}

func (e EncryptionSetting) normalized() EncryptionSetting {
	if e.Mode == "" {
		e.Mode = EncryptionModeNone
	}
	e.Key = ""
	return e
}

// Equal reports whether both settings describe the same encryption. An unset mode equals "none".
func (e EncryptionSetting) Equal(other EncryptionSetting) bool {
	return e.normalized() == other.normalized()
}

// IsSSEB2 ...
func (e EncryptionSetting) IsSSEB2() bool {
	return e.Mode == EncryptionModeSSEB2
}

// FileRetention is passed through to the service unchanged.
type FileRetention struct {
	Mode        string
	RetainUntil int64
}

// Equal treats an unset mode as "no retention".
func (r FileRetention) Equal(other FileRetention) bool {
	if r.Mode == "" && other.Mode == "" {
		return true
	}
	return r == other
}

// LegalHold is passed through to the service unchanged.
type LegalHold string

// Legal hold values.
const (
	LegalHoldUnset LegalHold = ""
	LegalHoldOn    LegalHold = "on"
	LegalHoldOff   LegalHold = "off"
)
