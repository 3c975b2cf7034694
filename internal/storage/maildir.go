package storage

import (
	"fmt"
	"strings"

	"github.com/emersion/go-maildir"

	"github.com/stlalpha/ftnd/internal/message"
)

// MailStore delivers netmail into per-user Maildir directories, per
// spec.md §4.9. The directory layout, tmp-then-rename atomicity, and
// unique filename generation are all handled by github.com/emersion/go-maildir;
// MailStore only expands the configured template and converts the message.
type MailStore struct {
	// Template is the Maildir path with %USER%/%NETWORK% placeholders,
	// e.g. "/var/mail/%NETWORK%/%USER%".
	Template string
	Convert  MailConverter
}

// NewMailStore returns a MailStore using the default RFC822 converter.
func NewMailStore(template string) *MailStore {
	return &MailStore{Template: template, Convert: RFC822}
}

// Deliver converts msg and writes it into the Maildir resolved from
// network and msg.ToUser, creating tmp/new/cur if missing. It returns the
// Maildir directory the message was delivered into.
func (m *MailStore) Deliver(msg *message.Message, network string) (string, error) {
	user := sanitizeComponent(strings.ToLower(msg.ToUser))
	if err := validateComponent(user); err != nil {
		return "", err
	}
	if err := validateComponent(network); err != nil {
		return "", err
	}

	dirPath := expandTemplate(m.Template, user, network)

	d := maildir.Dir(dirPath)
	if err := d.Init(); err != nil {
		return "", fmt.Errorf("storage: init maildir %s: %w", dirPath, err)
	}

	convert := m.Convert
	if convert == nil {
		convert = RFC822
	}
	body, err := convert(msg)
	if err != nil {
		return "", fmt.Errorf("storage: convert message for %s: %w", dirPath, err)
	}

	delivery, err := d.NewDelivery()
	if err != nil {
		return "", fmt.Errorf("storage: new delivery in %s: %w", dirPath, err)
	}
	if _, err := delivery.Write(body); err != nil {
		_ = delivery.Abort()
		return "", fmt.Errorf("storage: write message into %s: %w", dirPath, err)
	}
	if err := delivery.Close(); err != nil {
		return "", fmt.Errorf("storage: close delivery into %s: %w", dirPath, err)
	}
	return dirPath, nil
}

func expandTemplate(template, user, network string) string {
	r := strings.NewReplacer("%USER%", user, "%NETWORK%", network)
	return r.Replace(template)
}
