// Package processor selects the email.Processor that receives normalized
// records.
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/inbound-reply/internal/config"
	"github.com/shineum/inbound-reply/internal/email"
	"github.com/shineum/inbound-reply/internal/processor/graph"
	"github.com/shineum/inbound-reply/internal/processor/ses"
	"github.com/shineum/inbound-reply/internal/processor/stdout"
)

// Nop accepts every record and does nothing with it.
type Nop struct{}

// Handle returns nil.
func (Nop) Handle(context.Context, *email.Record) error { return nil }

// Name returns "nop".
func (Nop) Name() string { return config.ProcessorNop }

// New returns the processor named by cfg.Processor. With no name set, Graph
// or SES is chosen when fully configured and Nop otherwise.
func New(ctx context.Context, cfg *config.Config) (email.Processor, error) {
	switch cfg.Processor {
	case config.ProcessorSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses processor selected but SES_REGION, SES_SENDER and SES_FORWARD_TO are required")
		}
		return newSES(ctx, cfg)

	case config.ProcessorGraph:
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("graph processor selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, GRAPH_SENDER and GRAPH_FORWARD_TO are required")
		}
		return newGraph(cfg), nil

	case config.ProcessorStdout:
		slog.Info("using stdout processor")
		return stdout.New(), nil

	case config.ProcessorNop:
		return Nop{}, nil

	case "":
		if cfg.GraphConfigured() {
			slog.Info("graph processor auto-detected")
			return newGraph(cfg), nil
		}
		if cfg.SESConfigured() {
			slog.Info("ses processor auto-detected")
			return newSES(ctx, cfg)
		}
		return Nop{}, nil

	default:
		return nil, fmt.Errorf("unknown processor %q", cfg.Processor)
	}
}

func newSES(ctx context.Context, cfg *config.Config) (email.Processor, error) {
	slog.Info("using AWS SES processor",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
		"forward_to", cfg.SES.ForwardTo,
	)
	p, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
		ForwardTo:       cfg.SES.ForwardTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES processor: %w", err)
	}
	return p, nil
}

func newGraph(cfg *config.Config) email.Processor {
	slog.Info("using Microsoft Graph processor",
		"sender", cfg.Graph.Sender,
		"forward_to", cfg.Graph.ForwardTo,
	)
	return graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
		ForwardTo:    cfg.Graph.ForwardTo,
	})
}
