// Package ses implements a Processor that forwards normalized replies via
// AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/inbound-reply/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Header names added to every forwarded reply.
const (
	HeaderRecordID = "X-Reply-Record-Id"
	HeaderToken    = "X-Reply-Token"
	HeaderRule     = "X-Reply-Cutoff-Rule"
)

// Config holds the configuration for creating a Processor.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	ForwardTo       string
}

// Processor forwards each record to a fixed mailbox via the SES v2 API.
type Processor struct {
	sender    string
	forwardTo string
	client    SendEmailAPI
	baseDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Processor with the given configuration.
func New(ctx context.Context, cfg Config) (*Processor, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.ForwardTo, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Processor with a custom client, used for testing.
func NewWithClient(sender, forwardTo string, client SendEmailAPI) *Processor {
	return &Processor{
		sender:    sender,
		forwardTo: forwardTo,
		client:    client,
		baseDelay: baseRetryDelay,
	}
}

// Handle forwards the record's body to the configured mailbox with the
// original sender as Reply-To. Failed requests are retried with
// exponential backoff.
func (p *Processor) Handle(ctx context.Context, r *email.Record) error {
	raw, err := buildRawMessage(p.sender, p.forwardTo, r)
	if err != nil {
		return fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.sender),
		Destination: &types.Destination{
			ToAddresses: []string{p.forwardTo},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if from := r.From().Parts.Email; from != "" {
		input.ReplyToAddresses = []string{from}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"record_id", r.ID.String(),
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, p.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"record_id", r.ID.String(),
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return "ses"
}

// buildRawMessage renders the record as a single-part text/plain message.
func buildRawMessage(sender, forwardTo string, r *email.Record) ([]byte, error) {
	var buf bytes.Buffer

	from := r.From().Parts
	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	fmt.Fprintf(&buf, "To: %s\r\n", forwardTo)
	if from.Email != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", from.Email)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", r.Subject))
	fmt.Fprintf(&buf, "%s: %s\r\n", HeaderRecordID, r.ID.String())
	fmt.Fprintf(&buf, "%s: %s\r\n", HeaderToken, r.To().Parts.Token)
	if r.Rule != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", HeaderRule, r.Rule)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(r.Body)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	return buf.Bytes(), nil
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (p *Processor) backoffDelay(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
