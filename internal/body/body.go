// Package body assembles the human-authored part of an inbound reply from
// its raw text or HTML source.
package body

import (
	"errors"
	"strings"
	"unicode"

	"github.com/shineum/inbound-reply/internal/charset"
	"github.com/shineum/inbound-reply/internal/cutoff"
	"github.com/shineum/inbound-reply/internal/htmltext"
)

// ErrNotFound is returned when neither a text nor an HTML source is present.
var ErrNotFound = errors.New("email body not found")

// Source formats.
const (
	FormatText = "text"
	FormatHTML = "html"
)

// Source holds the raw body candidates. A nil field is absent; a pointer to
// an empty string is present but empty.
type Source struct {
	Text        *string
	HTML        *string
	TextCharset string
	HTMLCharset string
}

// Result is an assembled body.
type Result struct {
	Text      string
	Format    string
	Cutoff    cutoff.Cutoff
	Truncated bool
}

// Assemble selects the source, converts it to UTF-8, reduces HTML to text,
// cuts at the first quoted or boilerplate line found by d and trims trailing
// whitespace. Text wins over HTML unless it is blank.
func Assemble(src Source, d *cutoff.Detector) (Result, error) {
	format, raw, cs, err := src.pick()
	if err != nil {
		return Result{}, err
	}

	text := charset.Normalize(raw, cs)
	if format == FormatHTML {
		text = htmltext.Reduce(text, d.Marker())
	}

	out, c, ok := Truncate(text, d)
	return Result{
		Text:      out,
		Format:    format,
		Cutoff:    c,
		Truncated: ok,
	}, nil
}

// Truncate splits text into lines, drops everything from the cutoff on and
// trims trailing whitespace. Blank lines inside the kept text are untouched.
//
// A partial last line left by an in-line cutoff is scanned again, so the
// result never contains a cutoff of its own.
func Truncate(text string, d *cutoff.Detector) (string, cutoff.Cutoff, bool) {
	lines := strings.Split(text, "\n")

	var (
		last  cutoff.Cutoff
		found bool
	)
	for {
		c, ok := d.Find(lines)
		if !ok {
			break
		}
		kept := lines[:c.Line:c.Line]
		if c.Column > 0 {
			kept = append(kept, lines[c.Line][:c.Column])
		}
		lines = kept
		last, found = c, true
	}

	return strings.TrimRightFunc(strings.Join(lines, "\n"), unicode.IsSpace), last, found
}

func (s Source) pick() (format, raw, cs string, err error) {
	switch {
	case s.Text != nil && strings.TrimSpace(*s.Text) != "":
		return FormatText, *s.Text, s.TextCharset, nil
	case s.HTML != nil:
		return FormatHTML, *s.HTML, s.HTMLCharset, nil
	case s.Text != nil:
		return FormatText, *s.Text, s.TextCharset, nil
	}
	return "", "", "", ErrNotFound
}
