package email

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shineum/inbound-reply/internal/address"
)

// Mode selects how an address is exposed on a Record.
type Mode string

// Representation modes.
const (
	ModeFull  Mode = "full"
	ModeEmail Mode = "email"
	ModeToken Mode = "token"
	ModeHash  Mode = "hash"
)

// ParseMode parses a mode name. A leading colon is accepted.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ":")))
	switch m {
	case ModeFull, ModeEmail, ModeToken, ModeHash:
		return m, nil
	}
	return "", fmt.Errorf("unknown address mode %q", s)
}

// View is an address in a representation mode.
type View struct {
	Mode  Mode
	Parts address.Parts
}

// String returns the address in its mode. Hash mode prints the email.
func (v View) String() string {
	switch v.Mode {
	case ModeFull:
		return v.Parts.Full
	case ModeEmail, ModeHash:
		return v.Parts.Email
	default:
		return v.Parts.Token
	}
}

// MarshalJSON encodes hash mode as an object and every other mode as a
// string.
func (v View) MarshalJSON() ([]byte, error) {
	if v.Mode == ModeHash {
		return json.Marshal(v.Parts)
	}
	return json.Marshal(v.String())
}
