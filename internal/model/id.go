package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Id is a 128-bit opaque identifier for rows, chunks and processes.
// The zero value is the invalid sentinel.
type Id struct {
	Hi uint64
	Lo uint64
}

// InvalidId is the sentinel returned by lookups that found nothing.
var InvalidId = Id{}

// NewId generates a random identifier from a cryptographic source.
func NewId() Id {
	u := uuid.New()
	return Id{
		Hi: binary.BigEndian.Uint64(u[0:8]),
		Lo: binary.BigEndian.Uint64(u[8:16]),
	}
}

// IdFromUint64 builds an identifier from its two 64-bit words.
func IdFromUint64(hi, lo uint64) Id {
	return Id{Hi: hi, Lo: lo}
}

// IdFromHex parses a 32-character lowercase hex string.
func IdFromHex(s string) (Id, error) {
	if len(s) != 32 {
		return InvalidId, fmt.Errorf("id hex string must be 32 characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return InvalidId, fmt.Errorf("invalid id hex string: %w", err)
	}
	return Id{
		Hi: binary.BigEndian.Uint64(raw[0:8]),
		Lo: binary.BigEndian.Uint64(raw[8:16]),
	}, nil
}

// IsValid reports whether the identifier is not the invalid sentinel.
func (id Id) IsValid() bool {
	return id != InvalidId
}

// Less imposes a total order on identifiers.
func (id Id) Less(other Id) bool {
	if id.Hi != other.Hi {
		return id.Hi < other.Hi
	}
	return id.Lo < other.Lo
}

// Hex returns the canonical 32-character lowercase hex form.
func (id Id) Hex() string {
	var raw [16]byte
	binary.BigEndian.PutUint64(raw[0:8], id.Hi)
	binary.BigEndian.PutUint64(raw[8:16], id.Lo)
	return hex.EncodeToString(raw[:])
}

// String abbreviates the hex form for logging.
func (id Id) String() string {
	return id.Hex()[:10]
}
