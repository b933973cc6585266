// Package mailer delivers one-time verification codes.
package mailer

import (
	"context"
	"log"
	"strings"
	"sync"
)

const (
	PurposeRegistration = "registration"
	PurposeAddEmail     = "add_email"
)

type Sender interface {
	SendCode(ctx context.Context, email, code, purpose string) error
}

// LogSender records deliveries in the server log. Codes are printed only
// when revealCodes is set, which config allows in development alone.
type LogSender struct {
	revealCodes bool
}

func NewLogSender(revealCodes bool) *LogSender {
	return &LogSender{revealCodes: revealCodes}
}

func (s *LogSender) SendCode(ctx context.Context, email, code, purpose string) error {
	if s.revealCodes {
		log.Printf("[Mailer] %s code for %s: %s", purpose, email, code)
		return nil
	}
	log.Printf("[Mailer] %s code issued for %s", purpose, MaskEmail(email))
	return nil
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

// Outbox keeps the last code per email. Tests read codes back from it.
type Outbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func NewOutbox() *Outbox {
	return &Outbox{codes: make(map[string]string)}
}

func (o *Outbox) SendCode(ctx context.Context, email, code, purpose string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.codes[email] = code
	return nil
}

func (o *Outbox) Code(email string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.codes[email]
}
