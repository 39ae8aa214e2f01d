// Copyright 2026 The Rhizo Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/rhizolab/rhizo-server/lib/config"
)

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	cfg config.EmailConfig
}

// NewSMTPSender creates an SMTPSender from the email configuration.
func NewSMTPSender(cfg config.EmailConfig) (*SMTPSender, error) {
	if cfg.Server == "" || cfg.From == "" {
		return nil, fmt.Errorf("notify: email server and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg}, nil
}

// SendEmail sends one message to all recipients.
func (s *SMTPSender) SendEmail(_ context.Context, recipients []string, subject, body string) error {
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.cfg.From, strings.Join(recipients, ", "), subject, body)

	address := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.UserName != "" {
		auth = smtp.PlainAuth("", s.cfg.UserName, s.cfg.Password, s.cfg.Server)
	}
	if err := smtp.SendMail(address, auth, s.cfg.From, recipients, []byte(message)); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

// TwilioSender delivers SMS through the Twilio REST API.
type TwilioSender struct {
	cfg    config.SMSConfig
	client *http.Client
}

// NewTwilioSender creates a TwilioSender from the SMS configuration.
func NewTwilioSender(cfg config.SMSConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("notify: sms account sid, auth token, and from number are required")
	}
	return &TwilioSender{cfg: cfg, client: http.DefaultClient}, nil
}

// SendText sends body to each recipient number.
func (s *TwilioSender) SendText(ctx context.Context, recipients []string, body string) error {
	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", s.cfg.AccountSID)
	for _, to := range recipients {
		form := url.Values{
			"From": {s.cfg.FromNumber},
			"To":   {to},
			"Body": {body},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("notify: building sms request: %w", err)
		}
		req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("notify: sms send to %s: %w", to, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("notify: sms send to %s: status %s", to, resp.Status)
		}
	}
	return nil
}
