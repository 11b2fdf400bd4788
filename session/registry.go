package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/paybot/openpay/contacts"
	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/metrics"
	"github.com/paybot/openpay/payments"
	"github.com/paybot/openpay/types"
)

// Orchestrator runs a confirmed transfer. Implemented by payments.Service.
type Orchestrator interface {
	SendPayment(ctx context.Context, req payments.SendRequest) (*types.PaymentTransaction, error)
}

// AccountResolver verifies a candidate destination resolves before a contact
// is persisted. Implemented by resolver.Resolver.
type AccountResolver interface {
	Resolve(ctx context.Context, id types.AccountIdentifier) (*types.AccountMetadata, error)
}

// Deps are the collaborators the registry hands to its sessions.
type Deps struct {
	Store        contacts.Store
	Gate         *contacts.Gate
	Orchestrator Orchestrator
	Resolver     AccountResolver

	Source             types.AccountIdentifier
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
	DefaultDescription string

	Logger  logger.Logger
	Metrics metrics.Recorder
}

// Registry owns every live session. It serializes events per user: a second
// event arriving while a user's first is still being processed is rejected
// with a busy reply rather than run against the same session concurrently.
// Events for distinct users proceed in parallel; the registry lock is never
// held across a network round trip.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	inFlight bool
	sess     *Session
}

func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = logger.NoopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}
	if deps.DefaultDescription == "" {
		deps.DefaultDescription = "Chat transfer"
	}
	return &Registry{
		deps:    deps,
		entries: make(map[string]*entry),
	}
}

// ActiveSessions reports how many sessions are currently live.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.sess != nil || e.inFlight {
			n++
		}
	}
	return n
}

// Handle consumes one inbound chat event and returns the reply to render.
func (r *Registry) Handle(ctx context.Context, ev types.ChatEvent) types.Reply {
	if ev.UserID == "" {
		return types.Reply{Text: "I can't tell who you are. Please try again."}
	}

	r.mu.Lock()
	e := r.entries[ev.UserID]
	if e == nil {
		e = &entry{}
		r.entries[ev.UserID] = e
	}
	if e.inFlight {
		r.mu.Unlock()
		r.deps.Metrics.IncCounter("session_busy", map[string]string{"phase": ""})
		return types.Reply{Text: "⏳ I'm still working on your previous message. One moment."}
	}
	e.inFlight = true
	r.mu.Unlock()

	reply := r.dispatch(ctx, e, ev)

	r.mu.Lock()
	e.inFlight = false
	if e.sess == nil {
		delete(r.entries, ev.UserID)
	}
	r.mu.Unlock()

	return reply
}

// dispatch advances the user's session. Any panic while advancing is caught
// here: the user gets a generic failure and the session is discarded, never
// left advanced past the error.
func (r *Registry) dispatch(ctx context.Context, e *entry, ev types.ChatEvent) (reply types.Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			e.sess = nil
			r.deps.Metrics.IncCounter("session_panic", map[string]string{"phase": ""})
			r.deps.Logger.Error("session advancement panicked", map[string]any{
				"user":  ev.UserID,
				"panic": fmt.Sprint(rec),
			})
			reply = types.Reply{Text: "❌ Something went wrong. Your current flow was cancelled."}
		}
	}()

	text := strings.TrimSpace(ev.Text)

	if strings.HasPrefix(text, "/") {
		return r.command(ctx, e, ev, text)
	}

	if e.sess == nil {
		return helpReply()
	}

	var done bool
	switch e.sess.Mode() {
	case ModeAddingContact:
		reply, done = r.advanceContact(ctx, e.sess, text)
	case ModeSendingPayment:
		reply, done = r.advanceSend(ctx, e.sess, text)
	default:
		reply, done = helpReply(), true
	}

	if done {
		r.deps.Metrics.IncCounter("session_completed", map[string]string{"phase": ""})
		e.sess = nil
	}
	return reply
}

func (r *Registry) command(ctx context.Context, e *entry, ev types.ChatEvent, text string) types.Reply {
	cmd := strings.ToLower(strings.Fields(text)[0])

	if cmd == "/cancel" {
		if e.sess == nil {
			return types.Reply{Text: "Nothing to cancel."}
		}
		e.sess = nil
		return types.Reply{Text: "Cancelled. What next?", Menu: []string{"/send", "/addcontact", "/contacts"}}
	}

	// One flow at a time per user.
	if e.sess != nil {
		return types.Reply{Text: fmt.Sprintf(
			"You're in the middle of %s. Finish it or send /cancel first.", e.sess.Mode())}
	}

	switch cmd {
	case "/start", "/help":
		return helpReply()

	case "/contacts":
		list, err := r.deps.Store.ListContacts(ctx, ev.UserID)
		if err != nil {
			return types.Reply{Text: "❌ Could not load your contacts right now."}
		}
		if len(list) == 0 {
			return types.Reply{Text: "You have no contacts yet. Add one with /addcontact."}
		}
		return types.Reply{Text: "Your contacts:\n" + strings.Join(contactMenu(list), "\n")}

	case "/addcontact":
		e.sess = &Session{UserID: ev.UserID, ChatID: ev.ChatID, mode: ModeAddingContact, step: stepName}
		r.deps.Metrics.IncCounter("session_started", map[string]string{"phase": ""})
		return types.Reply{Text: "Let's add a contact. What is their name?"}

	case "/send":
		list, err := r.deps.Store.ListContacts(ctx, ev.UserID)
		if err != nil {
			return types.Reply{Text: "❌ Could not load your contacts right now."}
		}
		if len(list) == 0 {
			return types.Reply{Text: "You have no contacts to pay yet. Add one with /addcontact."}
		}
		e.sess = &Session{
			UserID:   ev.UserID,
			ChatID:   ev.ChatID,
			mode:     ModeSendingPayment,
			step:     stepSelectContact,
			snapshot: list,
		}
		r.deps.Metrics.IncCounter("session_started", map[string]string{"phase": ""})
		return types.Reply{
			Text: "Who do you want to pay? Reply with a number.",
			Menu: contactMenu(list),
		}

	case "/wallets":
		meta, err := r.deps.Resolver.Resolve(ctx, r.deps.Source)
		if err != nil {
			return types.Reply{Text: fmt.Sprintf("❌ Could not reach the source wallet: %v", err)}
		}
		return types.Reply{Text: fmt.Sprintf(
			"Source wallet:\nAddress: %s\nID: %s\nAsset: %s (scale %d)",
			r.deps.Source, meta.ID, meta.AssetCode, meta.Scale())}

	default:
		return types.Reply{Text: fmt.Sprintf("I don't know %s. Try /help.", cmd)}
	}
}

func helpReply() types.Reply {
	return types.Reply{
		Text: "I can send payments between wallets for you.\n\n" +
			"/send — pay one of your contacts\n" +
			"/addcontact — register a new contact\n" +
			"/contacts — list your contacts\n" +
			"/wallets — show the source wallet\n" +
			"/cancel — abandon the current flow",
		Menu: []string{"/send", "/addcontact", "/contacts"},
	}
}
