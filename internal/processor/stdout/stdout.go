// Package stdout implements a Processor that prints normalized replies to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/inbound-reply/internal/email"
)

const separator = "========================================\n"

// Processor prints records in a human-readable format.
type Processor struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a Processor that writes to os.Stdout.
func New() *Processor {
	return &Processor{writer: os.Stdout}
}

// NewWithWriter creates a Processor that writes to the given writer.
func NewWithWriter(w io.Writer) *Processor {
	return &Processor{writer: w}
}

// Handle prints the record. Concurrent calls do not interleave.
func (p *Processor) Handle(_ context.Context, r *email.Record) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Record: %s\n", r.ID)
	fmt.Fprintf(&b, "From: %s\n", r.From())
	fmt.Fprintf(&b, "To: %s\n", r.To())
	fmt.Fprintf(&b, "Subject: %s\n", r.Subject)
	if r.Rule != "" {
		fmt.Fprintf(&b, "Format: %s (cut at %s)\n", r.Format, r.Rule)
	} else {
		fmt.Fprintf(&b, "Format: %s\n", r.Format)
	}
	b.WriteString("Body:\n")
	b.WriteString(r.Body + "\n")
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return "stdout"
}
