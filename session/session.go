// Package session holds the per-user conversation state machines that
// collect payment parameters across chat turns, and the registry that
// guarantees at most one live session per user.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paybot/openpay/payments"
	"github.com/paybot/openpay/types"
	"github.com/paybot/openpay/utils"
)

// Mode is the flow a session is in. Flows are mutually exclusive per user.
type Mode string

const (
	ModeNone           Mode = "NONE"
	ModeAddingContact  Mode = "ADDING_CONTACT"
	ModeSendingPayment Mode = "SENDING_PAYMENT"
)

type step int

const (
	stepName step = iota
	stepWallet
	stepDescription

	stepSelectContact
	stepAmount
	stepConfirm
)

// Session is one user's in-flight conversation flow. It is only ever touched
// by the registry while the user's event slot is held, so it needs no lock of
// its own.
type Session struct {
	UserID string
	ChatID string

	mode Mode
	step step

	// ADDING_CONTACT accumulators.
	contactName   string
	contactWallet types.AccountIdentifier

	// SENDING_PAYMENT accumulators. snapshot is taken when the flow starts
	// so index selection stays stable for the whole conversation.
	snapshot []types.Contact
	selected types.Contact
	amount   decimal.Decimal
}

// Mode returns the session's current flow.
func (s *Session) Mode() Mode {
	if s == nil {
		return ModeNone
	}
	return s.mode
}

var affirmatives = map[string]bool{
	"yes": true, "y": true, "si": true, "sí": true, "ok": true, "confirm": true,
}

func isAffirmative(text string) bool {
	return affirmatives[strings.ToLower(strings.TrimSpace(text))]
}

const skipSentinel = "skip"

// advanceContact consumes one turn of the ADDING_CONTACT flow. It returns
// done=true when the session must be discarded.
func (r *Registry) advanceContact(ctx context.Context, s *Session, text string) (reply types.Reply, done bool) {
	switch s.step {
	case stepName:
		if text == "" {
			return types.Reply{Text: "The contact needs a name. What should I call them?"}, false
		}
		s.contactName = text
		s.step = stepWallet
		return types.Reply{Text: fmt.Sprintf(
			"Got it. What is %s's payment pointer? (starts with $)", s.contactName)}, false

	case stepWallet:
		// Stored as-is; validated by resolution at submission.
		s.contactWallet = types.AccountIdentifier(text)
		s.step = stepDescription
		return types.Reply{
			Text: fmt.Sprintf("Add a note for %s, or reply %q.", s.contactName, skipSentinel),
			Menu: []string{skipSentinel},
		}, false

	case stepDescription:
		note := text
		if strings.EqualFold(text, skipSentinel) {
			note = ""
		}

		if _, err := r.deps.Resolver.Resolve(ctx, s.contactWallet); err != nil {
			return types.Reply{Text: fmt.Sprintf(
				"❌ I could not verify wallet %s: %v\nThe contact was not saved.", s.contactWallet, err)}, true
		}

		contact, err := r.deps.Store.AddContact(ctx, s.UserID, s.contactName, s.contactWallet, note)
		if err != nil {
			if types.IsCode(err, types.ErrDuplicateContact) {
				return types.Reply{Text: fmt.Sprintf(
					"You already have a contact for %s. Nothing was added.", s.contactWallet)}, true
			}
			return types.Reply{Text: fmt.Sprintf("❌ Could not save the contact: %v", err)}, true
		}

		return types.Reply{Text: fmt.Sprintf(
			"✅ Contact saved: %s → %s", contact.Name, contact.Destination)}, true
	}

	return types.Reply{Text: "Something went out of step. Start over with /addcontact."}, true
}

// advanceSend consumes one turn of the SENDING_PAYMENT flow.
func (r *Registry) advanceSend(ctx context.Context, s *Session, text string) (reply types.Reply, done bool) {
	switch s.step {
	case stepSelectContact:
		idx, err := strconv.Atoi(text)
		if err != nil || idx < 1 || idx > len(s.snapshot) {
			return types.Reply{
				Text: fmt.Sprintf("Pick a contact by number, 1 to %d.", len(s.snapshot)),
				Menu: contactMenu(s.snapshot),
			}, false
		}
		s.selected = s.snapshot[idx-1]
		s.step = stepAmount
		return types.Reply{Text: fmt.Sprintf(
			"How much do you want to send to %s? (between %s and %s)",
			s.selected.Name, r.deps.MinAmount, r.deps.MaxAmount)}, false

	case stepAmount:
		amount, err := utils.ValidateAmount(text)
		if err == nil {
			err = utils.CheckBounds(amount, r.deps.MinAmount, r.deps.MaxAmount)
		}
		if err != nil {
			return types.Reply{Text: fmt.Sprintf("%v\nTry another amount.", err)}, false
		}
		s.amount = amount
		s.step = stepConfirm
		return types.Reply{
			Text: fmt.Sprintf("Send %s to %s (%s)?", s.amount, s.selected.Name, s.selected.Destination),
			Menu: []string{"yes", "no"},
		}, false

	case stepConfirm:
		// The session is discarded after this step no matter the outcome.
		if !isAffirmative(text) {
			return types.Reply{Text: "Payment cancelled. Nothing was sent."}, true
		}
		return r.executePayment(ctx, s), true
	}

	return types.Reply{Text: "Something went out of step. Start over with /send."}, true
}

// executePayment runs the whitelist gate and then the orchestrator, and
// renders the single terminal summary for the attempt.
func (r *Registry) executePayment(ctx context.Context, s *Session) types.Reply {
	allowed, err := r.deps.Gate.IsAllowed(ctx, s.UserID, s.selected.Destination)
	if err != nil {
		r.deps.Logger.Error("whitelist lookup failed", map[string]any{
			"user":  s.UserID,
			"error": err.Error(),
		})
		return types.Reply{Text: "❌ Something went wrong checking your contacts. Nothing was sent."}
	}
	if !allowed {
		denial := types.NewAuthorizationError(s.selected.Destination)
		return types.Reply{Text: fmt.Sprintf("❌ %s", denial.Message)}
	}

	txn, err := r.deps.Orchestrator.SendPayment(ctx, payments.SendRequest{
		Source:      r.deps.Source,
		Destination: s.selected.Destination,
		Amount:      s.amount,
		Description: r.deps.DefaultDescription,
	})
	if err != nil {
		return failureSummary(s, txn, err)
	}
	return successSummary(s, txn)
}

func successSummary(s *Session, txn *types.PaymentTransaction) types.Reply {
	return types.Reply{Text: fmt.Sprintf(
		"✅ Payment sent!\n\nAmount: %s\nTo: %s (%s)\nExecution: %s\nReservation: %s\nQuote: %s\nState: %s",
		txn.Amount, s.selected.Name, s.selected.Destination,
		txn.ExecutionID, txn.ReservationID, txn.QuoteID, txn.State)}
}

func failureSummary(s *Session, txn *types.PaymentTransaction, err error) types.Reply {
	phase := ""
	if txn != nil && txn.FailedPhase != "" {
		phase = fmt.Sprintf(" during %s", txn.FailedPhase)
	}
	text := fmt.Sprintf("❌ Payment of %s to %s failed%s: %v",
		s.amount, s.selected.Name, phase, err)
	if txn != nil && txn.ReservationID != "" {
		// The receiver-side hold is not cancelled on failure.
		text += fmt.Sprintf("\nReservation %s was created and remains open.", txn.ReservationID)
	}
	return types.Reply{Text: text}
}

func contactMenu(list []types.Contact) []string {
	menu := make([]string, len(list))
	for i, c := range list {
		menu[i] = fmt.Sprintf("%d. %s (%s)", i+1, c.Name, c.Destination)
	}
	return menu
}
