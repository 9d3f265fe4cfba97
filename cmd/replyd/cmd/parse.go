package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/inbound-reply/internal/email"
	"github.com/shineum/inbound-reply/internal/parser"
	"github.com/shineum/inbound-reply/internal/processor"
)

var (
	parseEML     bool
	parseForward bool
)

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Normalize one reply and print the record as JSON",
	Long: `Normalize one reply and print the record as JSON.

FILE holds either a JSON object of inbound fields (to, from, subject, text,
html, charsets) or, with --eml, a raw RFC 5322 message. Use "-" for stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().BoolVar(&parseEML, "eml", false, "treat FILE as a raw RFC 5322 message")
	parseCmd.Flags().BoolVar(&parseForward, "forward", false, "also hand the record to the configured processor")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	params, err := decodeParams(raw, parseEML)
	if err != nil {
		return err
	}

	var proc email.Processor
	if parseForward {
		proc, err = processor.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
	}

	rec, err := email.New(params, cfg.Email(proc, slog.Default())).Process(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// decodeParams turns the input into an inbound field mapping.
func decodeParams(raw []byte, eml bool) (email.Params, error) {
	if eml {
		msg, err := parser.Parse(raw)
		if err != nil {
			return nil, err
		}
		return msg.Params(), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode inbound fields: %w", err)
	}

	params := email.Params{}
	for k, v := range fields {
		if string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			params[k] = s
			continue
		}
		// charsets may be given inline as an object
		if k != email.FieldCharsets {
			return nil, fmt.Errorf("field %q: expected a string", k)
		}
		var cs email.CharsetMap
		if err := json.Unmarshal(v, &cs); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if err := params.SetCharsets(cs); err != nil {
			return nil, err
		}
	}
	return params, nil
}
