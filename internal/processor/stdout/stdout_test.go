package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/inbound-reply/internal/email"
)

func TestHandle_PrintsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	r, err := email.New(email.Params{
		email.FieldTo:      "Support <support+42@example.com>",
		email.FieldFrom:    "Bob <bob@example.com>",
		email.FieldSubject: "Re: Monthly Report",
		email.FieldText:    "Looks good.\n\nSent from my iPhone",
	}, email.Config{Processor: p}).Process(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"Record: " + r.ID.String() + "\n",
		"From: bob@example.com\n",
		"To: support+42\n",
		"Subject: Re: Monthly Report\n",
		"Format: text (cut at mobile-signature)\n",
		"Body:\nLooks good.\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "iPhone") {
		t.Error("output should not contain the cut signature")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestHandle_NoCutoff(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	_, err := email.New(email.Params{email.FieldHTML: "<p>Hi</p>"}, email.Config{Processor: NewWithWriter(&buf)}).
		Process(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Format: html\n") {
		t.Errorf("output missing plain format line:\n%s", buf.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestHandle_WriteError(t *testing.T) {
	t.Parallel()

	_, err := email.New(email.Params{email.FieldText: "hi"}, email.Config{Processor: NewWithWriter(failingWriter{})}).
		Process(context.Background())
	if err == nil {
		t.Fatal("expected error from failing writer")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}
