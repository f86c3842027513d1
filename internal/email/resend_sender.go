package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v3"
)

// ResendSender envia avisos con la API de Resend.
type ResendSender struct {
	client   *resend.Client
	from     string
	fromName string
}

func NewResendSender(apiKey, from, fromName string) (*ResendSender, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("resend from is required")
	}
	return &ResendSender{
		client:   resend.NewClient(apiKey),
		from:     from,
		fromName: fromName,
	}, nil
}

func (s *ResendSender) SendSessionNotice(ctx context.Context, toEmail string, notice SessionNotice) error {
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("to email is required")
	}
	subject, body := renderNotice(notice)
	params := &resend.SendEmailRequest{
		From:    formatFrom(s.from, s.fromName),
		To:      []string{toEmail},
		Subject: subject,
		Text:    body,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send session notice: %w", err)
	}
	return nil
}
