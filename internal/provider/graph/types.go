// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"github.com/shineum/smtp-send-lite/internal/email"
)

// sendMailRequest is the request body for POST /users/{sender}/sendMail.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string      `json:"subject"`
	Body                   messageBody `json:"body"`
	ToRecipients           []recipient `json:"toRecipients"`
	InternetMessageHeaders []header    `json:"internetMessageHeaders,omitempty"`
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
}

// header is a custom internet header; Graph only accepts names starting with X-.
type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts an email.Email into a sendMail request body.
// Graph accepts a single body, so the HTML part wins over the text part.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	to := make([]recipient, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, recipient{EmailAddress: emailAddress{Address: addr}})
	}

	var headers []header
	if msg.MessageID != "" {
		headers = append(headers, header{Name: "X-Original-Message-ID", Value: msg.MessageID})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:                msg.Subject,
			Body:                   body,
			ToRecipients:           to,
			InternetMessageHeaders: headers,
		},
		SaveToSentItems: true,
	}
}
