// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// AppURL is linked from outgoing mail.
	AppURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart/alternative message with a plain text
// fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	for _, addr := range to {
		if strings.ContainsAny(addr, "\r\n") {
			return fmt.Errorf("invalid recipient %q", addr)
		}
	}
	if strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid subject")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-inkwell"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type WelcomeData struct {
	AppName  string
	UserName string
	AppURL   string
}

// SendWelcomeEmail greets a newly registered user.
func (s *Service) SendWelcomeEmail(to, userName string) error {
	data := WelcomeData{
		AppName:  "Inkwell",
		UserName: userName,
		AppURL:   s.config.AppURL,
	}

	html, err := renderTemplate(welcomeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	text := fmt.Sprintf("Welcome to Inkwell, %s! Start writing at %s", userName, data.AppURL)
	return s.SendHTMLEmail([]string{to}, "Welcome to Inkwell", text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const welcomeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Welcome to {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f2937; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f2937; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Your account is ready. Share your first post or join a discussion.</p>

    <p>
        <a href="{{.AppURL}}" class="button">Start writing</a>
    </p>

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`
