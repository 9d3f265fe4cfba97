// Package cutoff finds the line where quoted history, signatures or client
// boilerplate begin in a plain-text reply.
package cutoff

import (
	"regexp"
	"strings"
)

// DefaultMarker is the reply marker recognised when no custom delimiter is
// configured.
const DefaultMarker = "Reply ABOVE THIS LINE"

// Rule names, reported in Cutoff.Rule.
const (
	RuleDelimiter       = "delimiter"
	RuleReplyMarker     = "reply-marker"
	RuleQuoteHeader     = "quote-header"
	RuleOriginalMessage = "original-message"
	RuleMobileSignature = "mobile-signature"
	RuleSignature       = "signature"
)

// MobileSignatures are the client signature lines cut by default.
var MobileSignatures = []string{
	"Sent from my iPhone",
	"Sent from my iPad",
	"Sent from my BlackBerry",
	"Sent from my Android",
	"Sent from my Windows Phone",
	"Sent from Yahoo Mail on Android",
	"Sent from Mail for Windows",
}

var (
	// "On <date> <name> [<email>] wrote:" anywhere on a line. The date is
	// not validated.
	regexpQuoteHeader = regexp.MustCompile(`(?:^|[\s>])(On\s.+?\swrote:)`)
	// First half of a header whose address wrapped onto the next line.
	regexpQuoteHeaderStart = regexp.MustCompile(`^[\s>]*On\s.+$`)
	regexpQuoteHeaderFull  = regexp.MustCompile(`^[\s>]*On\s.+\swrote:\s*$`)
	regexpOriginalMessage  = regexp.MustCompile(`(?i)^[\s>]*-{2,}\s*Original Message\s*-{2,}\s*$`)
)

// Cutoff is the position at which the reply ends. Everything from Column on
// line Line is discarded, as are all later lines.
type Cutoff struct {
	Line   int
	Column int
	Rule   string
}

// A Rule reports whether line i of lines starts quoted or boilerplate
// content, and at which byte column.
type Rule struct {
	Name  string
	Match func(lines []string, i int) (col int, ok bool)
}

// Detector evaluates an ordered table of rules over a body.
type Detector struct {
	marker string
	rules  []Rule
}

type options struct {
	delimiter  string
	signatures []string
}

// Option configures a Detector.
type Option func(*options)

// WithDelimiter sets a custom reply delimiter. A line equal to it (after
// trimming) is a cutoff, and the default reply marker is no longer
// recognised.
func WithDelimiter(delimiter string) Option {
	return func(o *options) {
		o.delimiter = strings.TrimSpace(delimiter)
	}
}

// WithSignatures adds client signature lines to MobileSignatures.
func WithSignatures(signatures ...string) Option {
	return func(o *options) {
		for _, s := range signatures {
			if s = strings.TrimSpace(s); s != "" {
				o.signatures = append(o.signatures, s)
			}
		}
	}
}

// New builds a Detector. Rules are kept in priority order: delimiter or
// reply marker, quote header, original message banner, mobile signature,
// signature delimiter.
func New(opts ...Option) *Detector {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	marker := DefaultMarker
	var rules []Rule
	if o.delimiter != "" {
		marker = o.delimiter
		rules = append(rules, delimiterRule(o.delimiter))
	} else {
		rules = append(rules, markerRule(DefaultMarker))
	}

	signatures := make([]string, 0, len(MobileSignatures)+len(o.signatures))
	signatures = append(signatures, MobileSignatures...)
	signatures = append(signatures, o.signatures...)

	rules = append(rules,
		Rule{Name: RuleQuoteHeader, Match: matchQuoteHeader},
		Rule{Name: RuleOriginalMessage, Match: matchOriginalMessage},
		mobileSignatureRule(signatures),
		Rule{Name: RuleSignature, Match: matchSignature},
	)

	return &Detector{marker: marker, rules: rules}
}

// Marker returns the phrase that separates the reply from the quoted
// conversation: the custom delimiter if one is set, else DefaultMarker.
func (d *Detector) Marker() string {
	return d.marker
}

// Rules returns the detector's rules in priority order.
func (d *Detector) Rules() []Rule {
	out := make([]Rule, len(d.rules))
	copy(out, d.rules)
	return out
}

// Find scans lines top-down and returns the earliest cutoff over all rules.
// The earliest line wins regardless of rule priority; on the same line the
// smallest column wins, then the rule listed first.
func (d *Detector) Find(lines []string) (Cutoff, bool) {
	for i, line := range lines {
		best := Cutoff{Line: -1}
		for _, r := range d.rules {
			col, ok := r.Match(lines, i)
			if !ok {
				continue
			}
			if onlyQuotePrefix(line[:col]) {
				col = 0
			}
			if best.Line < 0 || col < best.Column {
				best = Cutoff{Line: i, Column: col, Rule: r.Name}
			}
		}
		if best.Line >= 0 {
			return best, true
		}
	}
	return Cutoff{}, false
}

func delimiterRule(delimiter string) Rule {
	return Rule{
		Name: RuleDelimiter,
		Match: func(lines []string, i int) (int, bool) {
			return 0, strings.TrimSpace(lines[i]) == delimiter
		},
	}
}

// markerRule matches the marker anywhere on a line, optionally behind quote
// characters.
func markerRule(marker string) Rule {
	re := regexp.MustCompile(`(?:^[\s>]*)?` + regexp.QuoteMeta(marker))
	return Rule{
		Name: RuleReplyMarker,
		Match: func(lines []string, i int) (int, bool) {
			loc := re.FindStringIndex(lines[i])
			if loc == nil {
				return 0, false
			}
			return loc[0], true
		},
	}
}

func matchQuoteHeader(lines []string, i int) (int, bool) {
	line := lines[i]
	if loc := regexpQuoteHeader.FindStringSubmatchIndex(line); loc != nil {
		return loc[2], true
	}

	// Some clients wrap the header before the bracketed address.
	if i+1 >= len(lines) || strings.Contains(line, "wrote:") || !regexpQuoteHeaderStart.MatchString(line) {
		return 0, false
	}
	next := strings.TrimSpace(lines[i+1])
	if !strings.HasSuffix(next, "wrote:") || strings.HasPrefix(next, "On ") {
		return 0, false
	}
	if !regexpQuoteHeaderFull.MatchString(strings.TrimRight(line, " \t\r") + " " + next) {
		return 0, false
	}
	return 0, true
}

func matchOriginalMessage(lines []string, i int) (int, bool) {
	return 0, regexpOriginalMessage.MatchString(lines[i])
}

func mobileSignatureRule(signatures []string) Rule {
	set := make(map[string]bool, len(signatures))
	for _, s := range signatures {
		set[s] = true
	}
	return Rule{
		Name: RuleMobileSignature,
		Match: func(lines []string, i int) (int, bool) {
			return 0, set[strings.TrimSpace(lines[i])]
		},
	}
}

func matchSignature(lines []string, i int) (int, bool) {
	return 0, strings.TrimSpace(lines[i]) == "--"
}

func onlyQuotePrefix(s string) bool {
	return strings.Trim(s, " \t\r>") == ""
}
