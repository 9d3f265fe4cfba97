package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shineum/inbound-reply/internal/address"
	"github.com/shineum/inbound-reply/internal/body"
	"github.com/shineum/inbound-reply/internal/charset"
	"github.com/shineum/inbound-reply/internal/cutoff"
)

// ErrBodyNotFound is returned by Process when the mapping has neither a text
// nor an HTML field.
var ErrBodyNotFound = body.ErrNotFound

// Processor receives every successfully normalized record.
type Processor interface {
	// Handle consumes the record. An error fails the Process call.
	Handle(ctx context.Context, r *Record) error

	// Name returns the human-readable name of this processor.
	Name() string
}

// Config is the explicit per-service configuration handed to each Record.
type Config struct {
	// ReplyDelimiter replaces the default reply marker when set.
	ReplyDelimiter string
	// Signatures are extra client signature lines to cut.
	Signatures []string
	// To and From select the address representation. Defaults are token
	// and email.
	To   Mode
	From Mode
	// Processor may be nil.
	Processor Processor
	Logger    *slog.Logger
}

// Record is one inbound reply. Construct it with New and call Process.
type Record struct {
	ID      uuid.UUID
	Subject string
	Body    string
	// Format is the body source used, "text" or "html".
	Format string
	// Rule names the cutoff rule that truncated the body, if any.
	Rule string

	to, from  address.Parts
	params    Params
	cfg       Config
	processed bool
}

// New returns an unprocessed record over a copy of p.
func New(p Params, cfg Config) *Record {
	if cfg.To == "" {
		cfg.To = ModeToken
	}
	if cfg.From == "" {
		cfg.From = ModeEmail
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Record{
		ID:     uuid.New(),
		params: p.clone(),
		cfg:    cfg,
	}
}

// Process normalizes the body, subject and addresses and passes the record
// to the configured processor. Once it has succeeded, later calls return the
// record unchanged without invoking the processor again.
func (r *Record) Process(ctx context.Context) (*Record, error) {
	if r.processed {
		return r, nil
	}
	log := r.cfg.Logger.With("record_id", r.ID.String())

	cs, err := r.params.Charsets()
	if err != nil {
		log.Debug("ignoring undecodable charsets field", "error", err)
		cs = CharsetMap{}
	}

	d := cutoff.New(
		cutoff.WithDelimiter(r.cfg.ReplyDelimiter),
		cutoff.WithSignatures(r.cfg.Signatures...),
	)
	res, err := body.Assemble(r.params.source(cs), d)
	if err != nil {
		metricProcessed.WithLabelValues(resultBodyNotFound).Inc()
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}

	r.Body = res.Text
	r.Format = res.Format
	r.Rule = ""
	if res.Truncated {
		r.Rule = res.Cutoff.Rule
		metricCutoffRule.WithLabelValues(r.Rule).Inc()
		log.Debug("body truncated", "rule", r.Rule, "line", res.Cutoff.Line, "column", res.Cutoff.Column)
	}

	r.Subject = charset.Normalize(r.params[FieldSubject], cs[FieldSubject])
	r.to = address.Parse(charset.Normalize(r.params[FieldTo], cs[FieldTo]))
	r.from = address.Parse(charset.Normalize(r.params[FieldFrom], cs[FieldFrom]))

	if p := r.cfg.Processor; p != nil {
		if err := p.Handle(ctx, r); err != nil {
			metricProcessed.WithLabelValues(resultProcessorError).Inc()
			return nil, fmt.Errorf("processor %s: %w", p.Name(), err)
		}
	}

	r.processed = true
	metricProcessed.WithLabelValues(resultOK).Inc()
	return r, nil
}

// To returns the recipient in the configured mode.
func (r *Record) To() View {
	return View{Mode: r.cfg.To, Parts: r.to}
}

// From returns the sender in the configured mode.
func (r *Record) From() View {
	return View{Mode: r.cfg.From, Parts: r.from}
}

// Get returns a raw inbound field, such as an attachment reference the
// pipeline itself ignores.
func (r *Record) Get(field string) (string, bool) {
	v, ok := r.params[field]
	return v, ok
}

type recordJSON struct {
	ID      string `json:"id"`
	To      View   `json:"to"`
	From    View   `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Format  string `json:"format"`
	Rule    string `json:"rule,omitempty"`
}

// MarshalJSON encodes the normalized fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:      r.ID.String(),
		To:      r.To(),
		From:    r.From(),
		Subject: r.Subject,
		Body:    r.Body,
		Format:  r.Format,
		Rule:    r.Rule,
	})
}
