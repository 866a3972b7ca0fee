package abuse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
)

type EmailClass string

const (
	EmailOK         EmailClass = "OK"
	EmailDisposable EmailClass = "DISPOSABLE"
	EmailInvalid    EmailClass = "INVALID"
	EmailNoMX       EmailClass = "NO_MX_RECORDS"
)

// MXResolver is satisfied by *net.Resolver.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// DefaultDisposableDomains is a starter list of throwaway mail providers.
var DefaultDisposableDomains = []string{
	"mailinator.com", "guerrillamail.com", "guerrillamail.net", "sharklasers.com",
	"10minutemail.com", "10minutemail.net", "tempmail.com", "temp-mail.org",
	"yopmail.com", "yopmail.net", "trashmail.com", "getnada.com",
	"dispostable.com", "throwawaymail.com", "maildrop.cc", "mailnesia.com",
	"fakeinbox.com", "mintemail.com", "mohmal.com", "emailondeck.com",
	"tempinbox.com", "spamgourmet.com", "mailcatch.com", "burnermail.io",
}

// EmailRule classifies the candidate email and denies blocked classes.
type EmailRule struct {
	Block      map[EmailClass]bool
	Disposable map[string]struct{}
	Resolver   MXResolver
}

func NewEmailRule(resolver MXResolver, disposable []string, block ...EmailClass) *EmailRule {
	if len(block) == 0 {
		block = []EmailClass{EmailDisposable, EmailInvalid, EmailNoMX}
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	rule := &EmailRule{
		Block:      make(map[EmailClass]bool, len(block)),
		Disposable: make(map[string]struct{}, len(disposable)),
		Resolver:   resolver,
	}
	for _, class := range block {
		rule.Block[class] = true
	}
	for _, domain := range disposable {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			rule.Disposable[domain] = struct{}{}
		}
	}
	return rule
}

func (r *EmailRule) Name() string { return "email" }

func (r *EmailRule) Evaluate(ctx context.Context, req Request) (Decision, error) {
	class, err := r.Classify(ctx, req.Email)
	if err != nil {
		return Decision{}, err
	}
	if class == EmailOK || !r.Block[class] {
		return Allow(), nil
	}
	switch class {
	case EmailDisposable:
		return Deny(r.Name(), ReasonEmailDisposable, "disposable email domain"), nil
	case EmailInvalid:
		return Deny(r.Name(), ReasonEmailInvalid, "invalid email address"), nil
	default:
		return Deny(r.Name(), ReasonEmailNoMX, "email domain has no MX records"), nil
	}
}

// Classify checks syntax first, then the disposable list, then DNS.
func (r *EmailRule) Classify(ctx context.Context, email string) (EmailClass, error) {
	domain, ok := emailDomain(email)
	if !ok {
		return EmailInvalid, nil
	}
	if r.isDisposable(domain) {
		return EmailDisposable, nil
	}

	records, err := r.Resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return EmailNoMX, nil
		}
		return "", fmt.Errorf("lookup mx for %s: %w", domain, err)
	}
	for _, record := range records {
		// "." is a null MX: the domain explicitly accepts no mail
		if record != nil && strings.TrimSuffix(record.Host, ".") != "" {
			return EmailOK, nil
		}
	}
	return EmailNoMX, nil
}

func (r *EmailRule) isDisposable(domain string) bool {
	for candidate := domain; candidate != ""; {
		if _, ok := r.Disposable[candidate]; ok {
			return true
		}
		dot := strings.IndexByte(candidate, '.')
		if dot < 0 {
			break
		}
		candidate = candidate[dot+1:]
	}
	return false
}

func emailDomain(email string) (string, bool) {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > 254 {
		return "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", false
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", false
	}
	domain := strings.ToLower(email[at+1:])
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return domain, true
}
