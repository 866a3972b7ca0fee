package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "hello@inkwell.test"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.inkwell.test", From: "hello@inkwell.test"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.inkwell.test", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.inkwell.test", Port: "587", From: "hello@inkwell.test"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendWelcomeEmail(t *testing.T) {
	svc := NewService(Config{Host: "smtp.inkwell.test", Port: "587", From: "hello@inkwell.test", FromName: "Inkwell", AppURL: "https://inkwell.test"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	if err := svc.SendWelcomeEmail("alice@example.com", "alice"); err != nil {
		t.Fatalf("SendWelcomeEmail() error = %v", err)
	}
	if gotAddr != "smtp.inkwell.test:587" || len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
		t.Fatalf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	for _, want := range []string{
		"From: Inkwell <hello@inkwell.test>\r\n",
		"Subject: Welcome to Inkwell\r\n",
		"Welcome, alice!",
		`href="https://inkwell.test"`,
		"Content-Type: text/plain; charset=UTF-8",
		"--boundary-inkwell--",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendRejectsHeaderInjection(t *testing.T) {
	svc := NewService(Config{Host: "smtp.inkwell.test", Port: "587", From: "hello@inkwell.test"})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called")
		return nil
	}
	if err := svc.SendHTMLEmail([]string{"a@example.com\r\nBcc: b@example.com"}, "hi", "", ""); err == nil {
		t.Fatal("expected error for recipient with CRLF")
	}
}

func TestSendNotConfigured(t *testing.T) {
	if err := NewService(Config{}).SendWelcomeEmail("alice@example.com", "alice"); err == nil {
		t.Fatal("expected error when SMTP is not configured")
	}
}

func TestRenderWelcomeTemplateEscapes(t *testing.T) {
	html, err := renderTemplate(welcomeEmailTemplate, WelcomeData{AppName: "Inkwell", UserName: "<b>eve</b>", AppURL: "https://inkwell.test"})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if strings.Contains(html, "<b>eve</b>") || !strings.Contains(html, "&lt;b&gt;eve&lt;/b&gt;") {
		t.Error("user name must be HTML escaped")
	}
}
