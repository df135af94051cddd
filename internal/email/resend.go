package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendClient sends transactional mail through the Resend HTTP API.
type ResendClient struct {
	apiKey     string
	fromEmail  string
	endpoint   string
	httpClient *http.Client
}

func NewResendClient(apiKey, fromEmail string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		endpoint:   resendEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// Receipt describes one activated plan.
type Receipt struct {
	Login         string
	PlanName      string
	Scans         int
	EndsAt        time.Time
	TransactionID string
}

// SendActivationReceipt tells the user which plan is now active and how many scans it carries.
func (c *ResendClient) SendActivationReceipt(ctx context.Context, to string, r Receipt) error {
	subject := fmt.Sprintf("Your %s plan is active", r.PlanName)
	htmlContent := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="margin: 0; padding: 24px; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px;">
        <tr><td style="padding: 32px 40px 8px 40px;"><h1 style="margin: 0; color: #333333; font-size: 22px;">Hi %s,</h1></td></tr>
        <tr><td style="padding: 8px 40px; color: #666666; font-size: 16px; line-height: 1.5;">
            Your payment was confirmed and the <b>%s</b> plan is now active.
            You have <b>%d</b> scans available until %s.
        </td></tr>
        <tr><td style="padding: 16px 40px 32px 40px; color: #999999; font-size: 13px;">Transaction %s</td></tr>
    </table>
</body>
</html>
`,
		html.EscapeString(subject),
		html.EscapeString(r.Login),
		html.EscapeString(r.PlanName),
		r.Scans,
		r.EndsAt.UTC().Format("2006-01-02"),
		html.EscapeString(r.TransactionID),
	)
	return c.SendEmail(ctx, to, subject, htmlContent)
}
