// Package address extracts the mailbox from a raw To or From header value.
package address

import (
	"net/mail"
	"strings"
)

// Parts is a header value split into its address components.
type Parts struct {
	Token       string `json:"token"`
	Host        string `json:"host"`
	Email       string `json:"email"`
	Full        string `json:"full"`
	DisplayName string `json:"display_name,omitempty"`
}

// Parse extracts the address from raw. The last angle-bracketed section wins
// over any bare address before it; without brackets the whole value is the
// address. The address is split on its last "@". A value without "@" is kept
// whole as the token with an empty host.
func Parse(raw string) Parts {
	full := strings.TrimSpace(raw)

	addr, name := full, ""
	if open := strings.LastIndexByte(full, '<'); open >= 0 {
		rest := full[open+1:]
		if end := strings.IndexByte(rest, '>'); end >= 0 {
			rest = rest[:end]
		}
		addr = rest
		name = strings.Join(strings.Fields(full[:open]), " ")
	}
	addr = strings.Trim(addr, "<> \t\r\n")

	p := Parts{
		Token: addr,
		Email: addr,
		Full:  full,
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		p.Token, p.Host = addr[:at], addr[at+1:]
		if p.Host == "" {
			p.Email = p.Token
		}
	}

	p.DisplayName = displayName(full, p.Email, name)
	return p
}

// displayName prefers the RFC 5322 reading of full, which unquotes names and
// decodes encoded words, when it agrees on the address.
func displayName(full, email, fallback string) string {
	if fallback == "" {
		return ""
	}
	if a, err := mail.ParseAddress(full); err == nil && strings.EqualFold(a.Address, email) {
		return a.Name
	}
	return fallback
}
