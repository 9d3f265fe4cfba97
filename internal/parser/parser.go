// Package parser splits a raw RFC 5322 message into the inbound field
// mapping consumed by the email package.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	gmcharset "github.com/emersion/go-message/charset"

	"github.com/shineum/inbound-reply/internal/email"
)

// headerDecoder decodes RFC 2047 encoded words in any charset go-message
// knows about.
var headerDecoder = &mime.WordDecoder{CharsetReader: gmcharset.Reader}

// Message is a parsed inbound message. Body parts are kept in their
// declared charset; header fields are decoded to UTF-8.
type Message struct {
	From      string
	To        string
	Subject   string
	MessageID string

	// Text and HTML are nil when the message has no such part.
	Text        *string
	HTML        *string
	TextCharset string
	HTMLCharset string

	Attachments []Attachment
}

// Attachment is a non-body MIME part. Attachments are not processed.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}

// Parse parses a raw RFC 5322 message. Plain, HTML and multipart messages
// are supported. The first text/plain and text/html parts become the body
// sources; other parts are recorded as attachments.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		From:      decodeHeader(msg.Header.Get("From")),
		To:        firstAddress(decodeHeader(msg.Header.Get("To"))),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	encoding := msg.Header.Get("Content-Transfer-Encoding")

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := readContent(msg.Body, encoding)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.setText(string(body), "")
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := readContent(msg.Body, encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		result.setHTML(string(body), params["charset"])
	case "text/plain":
		result.setText(string(body), params["charset"])
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.setText(string(body), params["charset"])
	}
	return result, nil
}

// Params returns the message as an inbound field mapping. Absent body parts
// stay absent.
func (m *Message) Params() email.Params {
	p := email.Params{
		email.FieldTo:      m.To,
		email.FieldFrom:    m.From,
		email.FieldSubject: m.Subject,
	}
	if m.Text != nil {
		p[email.FieldText] = *m.Text
	}
	if m.HTML != nil {
		p[email.FieldHTML] = *m.HTML
	}

	cs := email.CharsetMap{}
	if m.Text != nil && m.TextCharset != "" {
		cs[email.FieldText] = m.TextCharset
	}
	if m.HTML != nil && m.HTMLCharset != "" {
		cs[email.FieldHTML] = m.HTMLCharset
	}
	if err := p.SetCharsets(cs); err != nil {
		slog.Warn("failed to encode charsets", "error", err)
	}
	return p
}

func (m *Message) setText(body, charset string) {
	m.Text = &body
	m.TextCharset = charset
}

func (m *Message) setHTML(body, charset string) {
	m.HTML = &body
	m.HTMLCharset = charset
}

// parseMultipart walks a multipart body, keeping the first text/plain and
// text/html parts and recording everything else as attachments.
func parseMultipart(body io.Reader, boundary string, result *Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := readContent(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := strings.ToLower(part.Header.Get("Content-Disposition"))
		if !strings.HasPrefix(disposition, "attachment") {
			switch {
			case mediaType == "text/plain" && result.Text == nil:
				result.setText(string(content), params["charset"])
				continue
			case mediaType == "text/html" && result.HTML == nil:
				result.setHTML(string(content), params["charset"])
				continue
			}
		}

		result.Attachments = append(result.Attachments, Attachment{
			Filename:    extractFilename(part, params),
			ContentType: mediaType,
			Size:        len(content),
		})
	}

	return nil
}

// readContent reads r and undoes its Content-Transfer-Encoding. The
// multipart reader already decodes quoted-printable parts and drops the
// header, so that case only applies to single-part messages.
func readContent(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			// Unpadded base64
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	default:
		return io.ReadAll(r)
	}
}

// extractFilename returns the part's file name from Content-Disposition or
// the Content-Type name parameter.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	return params["name"]
}

// decodeHeader decodes RFC 2047 encoded words. Undecodable values are
// returned as-is.
func decodeHeader(v string) string {
	if v == "" {
		return ""
	}
	decoded, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		slog.Debug("failed to decode header", "value", v, "error", err)
		return v
	}
	return decoded
}

// firstAddress returns the first entry of an address list header. A single
// entry, or a list that does not parse, is returned unchanged.
func firstAddress(raw string) string {
	addrs, err := mail.ParseAddressList(raw)
	if err != nil || len(addrs) < 2 {
		return raw
	}
	first := addrs[0]
	if first.Name == "" {
		return first.Address
	}
	return first.Name + " <" + first.Address + ">"
}
