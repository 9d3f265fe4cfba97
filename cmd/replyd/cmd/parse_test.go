package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shineum/inbound-reply/internal/email"
)

type recordOutput struct {
	ID      string `json:"id"`
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Format  string `json:"format"`
	Rule    string `json:"rule"`
}

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	parseEML, parseForward = false, false
	configPath, envFile = "", ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func decodeRecord(t *testing.T, out string) recordOutput {
	t.Helper()
	var rec recordOutput
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("output is not a record: %v\n%s", err, out)
	}
	return rec
}

func TestParse_JSONFields(t *testing.T) {
	path := writeFile(t, "reply.json", `{
		"to": "Support <support+42@in.example.com>",
		"from": "Alice <alice@example.com>",
		"subject": "Re: Ticket 42",
		"text": "Works now.\n\nOn Mon, Jan 5, 2026 at 9:00 AM, Support <support@example.com> wrote:\n> old",
		"charsets": {"text": "utf-8"}
	}`)

	out, err := execute(t, "", "parse", path)
	if err != nil {
		t.Fatalf("parse: unexpected error: %v", err)
	}

	rec := decodeRecord(t, out)
	if rec.Body != "Works now." {
		t.Errorf("body: got %q, want %q", rec.Body, "Works now.")
	}
	if rec.To != "support+42" {
		t.Errorf("to: got %q, want %q", rec.To, "support+42")
	}
	if rec.From != "alice@example.com" {
		t.Errorf("from: got %q, want %q", rec.From, "alice@example.com")
	}
	if rec.Format != "text" {
		t.Errorf("format: got %q, want %q", rec.Format, "text")
	}
	if rec.ID == "" {
		t.Error("id should be set")
	}
}

func TestParse_EMLFromStdin(t *testing.T) {
	eml := strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: reply-7@in.example.com",
		"Subject: =?iso-8859-1?q?Caf=E9?=",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>See you there</p><p>Reply ABOVE THIS LINE</p><p>quoted</p>",
	}, "\r\n")

	out, err := execute(t, eml, "parse", "--eml", "-")
	if err != nil {
		t.Fatalf("parse: unexpected error: %v", err)
	}

	rec := decodeRecord(t, out)
	if rec.Format != "html" {
		t.Errorf("format: got %q, want %q", rec.Format, "html")
	}
	if !strings.Contains(rec.Body, "See you there") || strings.Contains(rec.Body, "quoted") {
		t.Errorf("body: got %q", rec.Body)
	}
	if rec.Subject != "Café" {
		t.Errorf("subject: got %q, want %q", rec.Subject, "Café")
	}
	if rec.To != "reply-7" {
		t.Errorf("to: got %q, want %q", rec.To, "reply-7")
	}
}

func TestParse_ModesFromEnv(t *testing.T) {
	t.Setenv("REPLY_TO_MODE", "full")
	t.Setenv("REPLY_FROM_MODE", "token")

	path := writeFile(t, "reply.json", `{"to": "Help <help@in.example.com>", "from": "bob@example.com", "text": "hi"}`)

	out, err := execute(t, "", "parse", path)
	if err != nil {
		t.Fatalf("parse: unexpected error: %v", err)
	}

	rec := decodeRecord(t, out)
	if rec.To != "Help <help@in.example.com>" {
		t.Errorf("to: got %q", rec.To)
	}
	if rec.From != "bob" {
		t.Errorf("from: got %q, want %q", rec.From, "bob")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		args    []string
		wantErr error
	}{
		{
			name:    "no body",
			content: `{"to": "a@example.com", "from": "b@example.com"}`,
			wantErr: email.ErrBodyNotFound,
		},
		{
			name:    "null body is absent",
			content: `{"to": "a@example.com", "from": "b@example.com", "text": null}`,
			wantErr: email.ErrBodyNotFound,
		},
		{
			name:    "not json",
			content: `to=a@example.com`,
		},
		{
			name:    "non-string field",
			content: `{"text": 42}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "reply.json", tt.content)
			_, err := execute(t, "", "parse", path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse_InvalidConfig(t *testing.T) {
	t.Setenv("REPLY_TO_MODE", "sideways")

	path := writeFile(t, "reply.json", `{"text": "hi"}`)
	if _, err := execute(t, "", "parse", path); err == nil {
		t.Fatal("expected validation error, got nil")
	}
}

func TestDecodeParams_Charsets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "object", raw: `{"text": "x", "charsets": {"text": "iso-8859-1"}}`},
		{name: "string", raw: `{"text": "x", "charsets": "{\"text\":\"iso-8859-1\"}"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := decodeParams([]byte(tt.raw), false)
			if err != nil {
				t.Fatalf("decodeParams: %v", err)
			}
			cs, err := p.Charsets()
			if err != nil {
				t.Fatalf("Charsets: %v", err)
			}
			if cs["text"] != "iso-8859-1" {
				t.Errorf("text charset: got %q, want %q", cs["text"], "iso-8859-1")
			}
		})
	}
}
