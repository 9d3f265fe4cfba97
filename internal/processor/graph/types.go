// Package graph implements a Processor that forwards normalized replies via
// the Microsoft Graph sendMail API.
package graph

import (
	"github.com/shineum/inbound-reply/internal/email"
)

// Header names added to every forwarded reply. Graph only accepts custom
// headers prefixed with "X-".
const (
	HeaderRecordID = "X-Reply-Record-Id"
	HeaderToken    = "X-Reply-Token"
	HeaderRule     = "X-Reply-Cutoff-Rule"
)

// sendMailRequest is the request body for the sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string          `json:"subject"`
	Body                   messageBody     `json:"body"`
	ToRecipients           []recipient     `json:"toRecipients"`
	ReplyTo                []recipient     `json:"replyTo,omitempty"`
	InternetMessageHeaders []messageHeader `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// tokenResponse is the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`

	// Set on failure.
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// graphErrorResponse is an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest renders r as a plain-text message to forwardTo. The
// original sender becomes the Reply-To.
func buildSendMailRequest(forwardTo string, r *email.Record) *sendMailRequest {
	msg := sendMailMessage{
		Subject: r.Subject,
		Body: messageBody{
			ContentType: "text",
			Content:     r.Body,
		},
		ToRecipients: []recipient{{EmailAddress: emailAddress{Address: forwardTo}}},
		InternetMessageHeaders: []messageHeader{
			{Name: HeaderRecordID, Value: r.ID.String()},
		},
	}

	if from := r.From().Parts; from.Email != "" {
		msg.ReplyTo = []recipient{{
			EmailAddress: emailAddress{Address: from.Email, Name: from.DisplayName},
		}}
	}
	if token := r.To().Parts.Token; token != "" {
		msg.InternetMessageHeaders = append(msg.InternetMessageHeaders, messageHeader{Name: HeaderToken, Value: token})
	}
	if r.Rule != "" {
		msg.InternetMessageHeaders = append(msg.InternetMessageHeaders, messageHeader{Name: HeaderRule, Value: r.Rule})
	}

	return &sendMailRequest{Message: msg}
}
