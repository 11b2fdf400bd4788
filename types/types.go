// Package types defines the data model and wire records for the Open Payments
// chat payment engine.
package types

import (
	"crypto/ed25519"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountIdentifier is a payment pointer: a sigil-prefixed string naming a
// payment account, e.g. "$wallet.example.com/alice". It is resolved, never
// parsed, into AccountMetadata.
type AccountIdentifier string

// Valid reports whether the identifier carries the payment pointer sigil and
// a non-empty host part.
func (a AccountIdentifier) Valid() bool {
	s := string(a)
	return strings.HasPrefix(s, "$") && len(strings.TrimPrefix(s, "$")) > 0
}

// URL returns the https URL the identifier resolves at.
func (a AccountIdentifier) URL() string {
	return "https://" + strings.TrimPrefix(string(a), "$")
}

func (a AccountIdentifier) String() string {
	return string(a)
}

// Amount is the network's representation of a monetary amount: an integer
// count of minor units encoded as a string, plus the asset it is counted in.
type Amount struct {
	Value      string `json:"value" validate:"required"`
	AssetCode  string `json:"assetCode" validate:"required"`
	AssetScale int    `json:"assetScale" validate:"gte=0"`
}

// Endpoint is a capability endpoint advertised by a resolved account.
type Endpoint struct {
	ID string `json:"id" validate:"required,url"`
}

// Capabilities lists the endpoints a resolved account exposes for the three
// payment phases.
type Capabilities struct {
	IncomingPayments Endpoint `json:"incomingPayments" validate:"required"`
	Quotes           Endpoint `json:"quotes" validate:"required"`
	OutgoingPayments Endpoint `json:"outgoingPayments" validate:"required"`
}

// AccountMetadata is the public record fetched for a payment pointer. It is
// fetched fresh on every resolution and must be treated as possibly stale
// between resolution and use.
type AccountMetadata struct {
	ID           string       `json:"id" validate:"required"`
	PublicName   string       `json:"publicName,omitempty"`
	AssetCode    string       `json:"assetCode" validate:"required"`
	AssetScale   *int         `json:"assetScale" validate:"required"`
	AuthServer   string       `json:"authServer" validate:"required,url"`
	Capabilities Capabilities `json:"capabilities" validate:"required"`
}

// Scale returns the declared asset scale.
func (m *AccountMetadata) Scale() int {
	if m.AssetScale == nil {
		return 0
	}
	return *m.AssetScale
}

// IntPtr is a convenience for building AccountMetadata literals.
func IntPtr(n int) *int { return &n }

// SigningIdentity is the key material the engine signs with on behalf of one
// account. The private key is never transmitted.
type SigningIdentity struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
	Account    AccountIdentifier
}

// Access resource types and actions used in grant negotiation.
const (
	AccessIncomingPayment = "incoming-payment"
	AccessOutgoingPayment = "outgoing-payment"
	AccessQuote           = "quote"

	ActionCreate = "create"
	ActionRead   = "read"
	ActionList   = "list"
)

// GrantAccess is one requested or granted {resource-type, actions} pair.
type GrantAccess struct {
	Type    string   `json:"type"`
	Actions []string `json:"actions"`
}

// GrantToken is a delegated-access token issued by an account's authorization
// server. Tokens live only for the process lifetime and must be re-negotiated
// once expired.
type GrantToken struct {
	Value     string
	Account   AccountIdentifier
	ExpiresAt time.Time
	Access    []GrantAccess
}

// Expired reports whether the token may no longer be presented at instant now.
func (g *GrantToken) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Allows reports whether the token covers the given resource type and action.
func (g *GrantToken) Allows(resourceType, action string) bool {
	for _, a := range g.Access {
		if a.Type != resourceType {
			continue
		}
		for _, act := range a.Actions {
			if act == action {
				return true
			}
		}
	}
	return false
}

// InteractionRequired is the grant-negotiation outcome that needs a human to
// approve the grant out of band. The engine never completes this path itself.
type InteractionRequired struct {
	ContinueURI   string
	ContinueToken string
	RedirectURI   string
}

// Phase is a PaymentTransaction state.
type Phase string

const (
	PhaseInit      Phase = "INIT"
	PhaseResolving Phase = "RESOLVING"
	PhaseReserving Phase = "RESERVING"
	PhaseQuoting   Phase = "QUOTING"
	PhaseExecuting Phase = "EXECUTING"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

// PaymentTransaction is the unit of work for one transfer attempt. Identifiers
// of remote resources created along the way are retained even when a later
// phase fails; nothing is rolled back.
type PaymentTransaction struct {
	Amount      decimal.Decimal
	Description string
	Source      AccountIdentifier
	Destination AccountIdentifier

	Phase         Phase
	ReservationID string
	QuoteID       string
	ExecutionID   string

	// State is the network-reported settlement state once COMPLETED.
	State string

	// FailedPhase and Failure record where and why the transaction failed.
	FailedPhase Phase
	Failure     string
}

// Contact is a named destination registered by a user. A user may not hold two
// contacts with the same destination account.
type Contact struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Destination AccountIdentifier `json:"walletAddress"`
	Note        string            `json:"note,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// ChatEvent is one inbound message from the chat transport.
type ChatEvent struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// Reply is the engine's outbound text, optionally with menu options the
// transport may render as a keyboard.
type Reply struct {
	Text string   `json:"text"`
	Menu []string `json:"menu,omitempty"`
}

// AccountConfig is the configured identity for one participating account.
type AccountConfig struct {
	Address AccountIdentifier `json:"walletAddress" validate:"required"`
	KeyID   string            `json:"keyId" validate:"required"`
	// PrivateKey is the base64-encoded Ed25519 seed or PKCS#8 key.
	PrivateKey string `json:"privateKey" validate:"required"`
}

// Config is the engine configuration. The process loads and validates it; the
// engine consumes it as-is.
type Config struct {
	Source     AccountConfig   `json:"source" validate:"required"`
	Identities []AccountConfig `json:"identities,omitempty"`

	MinAmount string `json:"minAmount,omitempty"`
	MaxAmount string `json:"maxAmount,omitempty"`

	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`
	LogLevel       string        `json:"logLevel,omitempty"`
	EnableMetrics  bool          `json:"enableMetrics,omitempty"`
}

// Reference deployment bounds, used when Config leaves them unset.
const (
	DefaultMinAmount = "0.01"
	DefaultMaxAmount = "1000.00"
)

// DecimalFromString parses s, returning zero on malformed input. Use where the
// input is already validated.
func DecimalFromString(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
