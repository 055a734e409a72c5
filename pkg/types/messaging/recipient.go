package messaging

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// RecipientKind distinguishes how a recipient identifier is interpreted by
// the transport.
type RecipientKind string

const (
	// RecipientPhone is an E.164 phone number, stored without the leading "+".
	RecipientPhone RecipientKind = "phone_e164"
	// RecipientUserID is a provider-scoped opaque user identifier (WhatsApp
	// Cloud API WA-IDs fall in this bucket).
	RecipientUserID RecipientKind = "user_id"
)

// E.164: optional leading "+", first digit 1-9, 2-15 digits total.
var e164Pattern = regexp.MustCompile(`^\+?[1-9][0-9]{1,14}$`)

// Recipient addresses one outbound message target.
type Recipient struct {
	Identifier string        `json:"identifier"`
	Kind       RecipientKind `json:"kind"`
}

// NewPhoneRecipient validates and normalises an E.164 phone number. The
// normalised identifier is digits only (leading "+" stripped), so the
// operation is idempotent: normalising a normalised number is a no-op.
func NewPhoneRecipient(number string) (Recipient, error) {
	if !e164Pattern.MatchString(number) {
		return Recipient{}, errors.Errorf("invalid E.164 phone number: %q", number)
	}
	return Recipient{
		Identifier: strings.TrimPrefix(number, "+"),
		Kind:       RecipientPhone,
	}, nil
}

// NewUserRecipient wraps a provider user ID.
func NewUserRecipient(id string) (Recipient, error) {
	if id == "" {
		return Recipient{}, errors.New("recipient user id is required")
	}
	return Recipient{Identifier: id, Kind: RecipientUserID}, nil
}

// Validate re-checks the recipient invariants, for values built directly
// rather than through the constructors.
func (r Recipient) Validate() error {
	switch r.Kind {
	case RecipientPhone:
		if !e164Pattern.MatchString(r.Identifier) || strings.HasPrefix(r.Identifier, "+") {
			return errors.Errorf("invalid normalised phone identifier: %q", r.Identifier)
		}
		return nil
	case RecipientUserID:
		if r.Identifier == "" {
			return errors.New("recipient user id is required")
		}
		return nil
	default:
		return errors.Errorf("unknown recipient kind: %q", r.Kind)
	}
}
