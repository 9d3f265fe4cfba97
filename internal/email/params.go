// Package email turns an inbound field mapping into a normalized reply
// record and hands it to the configured processor.
package email

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shineum/inbound-reply/internal/body"
)

// Field names of the inbound mapping.
const (
	FieldTo       = "to"
	FieldFrom     = "from"
	FieldSubject  = "subject"
	FieldText     = "text"
	FieldHTML     = "html"
	FieldCharsets = "charsets"
)

// Params is the raw inbound field mapping. A missing key is an absent field;
// a key mapped to "" is present but empty.
type Params map[string]string

// CharsetMap maps a field name to its declared charset.
type CharsetMap map[string]string

// Charsets decodes the JSON object carried in the charsets field. A missing
// or blank field yields an empty map.
func (p Params) Charsets() (CharsetMap, error) {
	raw, ok := p[FieldCharsets]
	if !ok || strings.TrimSpace(raw) == "" {
		return CharsetMap{}, nil
	}
	var m CharsetMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode charsets: %w", err)
	}
	if m == nil {
		m = CharsetMap{}
	}
	return m, nil
}

// SetCharsets stores m as the JSON charsets field.
func (p Params) SetCharsets(m CharsetMap) error {
	if len(m) == 0 {
		delete(p, FieldCharsets)
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode charsets: %w", err)
	}
	p[FieldCharsets] = string(data)
	return nil
}

func (p Params) source(cs CharsetMap) body.Source {
	src := body.Source{
		TextCharset: cs[FieldText],
		HTMLCharset: cs[FieldHTML],
	}
	if v, ok := p[FieldText]; ok {
		src.Text = &v
	}
	if v, ok := p[FieldHTML]; ok {
		src.HTML = &v
	}
	return src
}

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
