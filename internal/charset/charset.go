// Package charset converts body and header bytes from their declared
// character set into valid UTF-8.
package charset

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// Normalize returns raw as valid UTF-8 text.
//
// When declared is empty, names UTF-8 or US-ASCII, or cannot be resolved to
// a known encoding, raw is taken to be UTF-8 and every byte sequence that is
// not a valid code point is dropped. Otherwise raw is transcoded from the
// declared charset; sequences the decoder cannot map are dropped as well.
// Normalize never fails.
func Normalize(raw, declared string) string {
	if isUTF8(declared) {
		return strings.ToValidUTF8(raw, "")
	}

	enc := lookup(declared)
	if enc == nil {
		slog.Debug("unknown charset, treating as utf-8", "charset", declared)
		return strings.ToValidUTF8(raw, "")
	}

	decoded, err := enc.NewDecoder().String(raw)
	if err != nil {
		slog.Debug("charset decode failed, treating as utf-8",
			"charset", declared,
			"error", err,
		)
		return strings.ToValidUTF8(raw, "")
	}

	return dropReplacement(decoded)
}

// Known reports whether declared resolves to an encoding Normalize can
// transcode from. UTF-8 and the empty charset are always known.
func Known(declared string) bool {
	return isUTF8(declared) || lookup(declared) != nil
}

func isUTF8(declared string) bool {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// lookup resolves a charset label. The MIME and IANA registries are tried
// before the WHATWG labels so that iso-8859-1 stays Latin-1 instead of being
// widened to windows-1252.
func lookup(declared string) encoding.Encoding {
	name := strings.TrimSpace(declared)
	if enc, _ := ianaindex.MIME.Encoding(name); enc != nil {
		return enc
	}
	if enc, _ := ianaindex.IANA.Encoding(name); enc != nil {
		return enc
	}
	if enc, err := htmlindex.Get(name); err == nil && enc != nil {
		return enc
	}
	return nil
}

// dropReplacement removes the U+FFFD runes a decoder substitutes for bytes
// that are invalid in the source charset.
func dropReplacement(s string) string {
	if !strings.ContainsRune(s, utf8.RuneError) {
		return strings.ToValidUTF8(s, "")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r != utf8.RuneError {
			b.WriteRune(r)
		}
	}
	return b.String()
}
