package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/paybot/openpay/contacts"
	"github.com/paybot/openpay/payments"
	"github.com/paybot/openpay/types"
)

const (
	source = types.AccountIdentifier("$wallet.example.com/treasury")
	bob    = types.AccountIdentifier("$wallet.example.com/bob")
)

type fakeOrchestrator struct {
	mu   sync.Mutex
	reqs []payments.SendRequest

	txn      *types.PaymentTransaction
	err      error
	panicMsg string

	// When set, SendPayment announces itself on started and blocks until
	// release is closed.
	started chan struct{}
	release chan struct{}
}

func (o *fakeOrchestrator) SendPayment(_ context.Context, req payments.SendRequest) (*types.PaymentTransaction, error) {
	if o.started != nil {
		o.started <- struct{}{}
	}
	if o.release != nil {
		<-o.release
	}
	if o.panicMsg != "" {
		panic(o.panicMsg)
	}

	o.mu.Lock()
	o.reqs = append(o.reqs, req)
	o.mu.Unlock()

	if o.err != nil {
		return o.txn, o.err
	}
	if o.txn != nil {
		return o.txn, nil
	}
	return &types.PaymentTransaction{
		Amount:        req.Amount,
		Source:        req.Source,
		Destination:   req.Destination,
		Phase:         types.PhaseCompleted,
		ReservationID: "res-1",
		QuoteID:       "quote-1",
		ExecutionID:   "op-1",
		State:         "COMPLETED",
	}, nil
}

func (o *fakeOrchestrator) calls() []payments.SendRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]payments.SendRequest(nil), o.reqs...)
}

type fakeResolver struct {
	fail bool
}

func (r *fakeResolver) Resolve(_ context.Context, id types.AccountIdentifier) (*types.AccountMetadata, error) {
	if r.fail || !id.Valid() {
		return nil, types.NewResolutionError(id, errors.New("unreachable"))
	}
	return &types.AccountMetadata{
		ID:         id.URL(),
		AssetCode:  "USD",
		AssetScale: types.IntPtr(2),
		AuthServer: "https://auth.example.com",
	}, nil
}

func newTestRegistry(orch *fakeOrchestrator, res *fakeResolver) (*Registry, *contacts.MemoryStore) {
	store := contacts.NewMemoryStore()
	return NewRegistry(Deps{
		Store:        store,
		Gate:         contacts.NewGate(store),
		Orchestrator: orch,
		Resolver:     res,
		Source:       source,
		MinAmount:    decimal.RequireFromString("0.01"),
		MaxAmount:    decimal.RequireFromString("1000.00"),
	}), store
}

func say(r *Registry, user, text string) types.Reply {
	return r.Handle(context.Background(), types.ChatEvent{UserID: user, ChatID: "chat-1", Text: text})
}

func addBob(t *testing.T, store *contacts.MemoryStore) {
	t.Helper()
	if _, err := store.AddContact(context.Background(), "u1", "Bob", bob, ""); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
}

func TestSendFlowHappyPath(t *testing.T) {
	orch := &fakeOrchestrator{}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	reply := say(r, "u1", "/send")
	if len(reply.Menu) != 1 || !strings.Contains(reply.Menu[0], "Bob") {
		t.Fatalf("expected contact menu, got %+v", reply)
	}

	say(r, "u1", "1")
	say(r, "u1", "2.50")
	reply = say(r, "u1", "yes")

	if !strings.Contains(reply.Text, "Payment sent") || !strings.Contains(reply.Text, "op-1") {
		t.Fatalf("unexpected summary: %q", reply.Text)
	}

	calls := orch.calls()
	if len(calls) != 1 {
		t.Fatalf("orchestrator calls = %d, want 1", len(calls))
	}
	got := calls[0]
	if got.Source != source || got.Destination != bob {
		t.Fatalf("unexpected endpoints: %+v", got)
	}
	if !got.Amount.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("amount = %s", got.Amount)
	}
	if got.Description != "Chat transfer" {
		t.Fatalf("description = %q", got.Description)
	}

	if r.ActiveSessions() != 0 {
		t.Fatal("session must end after the confirm step")
	}
}

func TestSendFlowReprompts(t *testing.T) {
	orch := &fakeOrchestrator{}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	say(r, "u1", "/send")

	// Out-of-range selection re-prompts without losing the session.
	reply := say(r, "u1", "7")
	if !strings.Contains(reply.Text, "Pick a contact") {
		t.Fatalf("expected selection re-prompt, got %q", reply.Text)
	}
	say(r, "u1", "1")

	// A malformed amount re-prompts, still in flow.
	reply = say(r, "u1", "-5")
	if !strings.Contains(reply.Text, "Try another amount") {
		t.Fatalf("expected amount re-prompt, got %q", reply.Text)
	}

	say(r, "u1", "3.00")
	reply = say(r, "u1", "yes")
	if !strings.Contains(reply.Text, "Payment sent") {
		t.Fatalf("flow should survive re-prompts: %q", reply.Text)
	}
}

func TestSendFlowDeclinedAtConfirm(t *testing.T) {
	orch := &fakeOrchestrator{}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	say(r, "u1", "/send")
	say(r, "u1", "1")
	say(r, "u1", "2.50")
	reply := say(r, "u1", "no")

	if !strings.Contains(reply.Text, "Nothing was sent") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	if len(orch.calls()) != 0 {
		t.Fatal("declined payment must not reach the orchestrator")
	}
	if r.ActiveSessions() != 0 {
		t.Fatal("session must end after the confirm step")
	}
}

func TestCancelCommand(t *testing.T) {
	r, store := newTestRegistry(&fakeOrchestrator{}, &fakeResolver{})
	addBob(t, store)

	if reply := say(r, "u1", "/cancel"); !strings.Contains(reply.Text, "Nothing to cancel") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}

	say(r, "u1", "/send")
	if reply := say(r, "u1", "/cancel"); !strings.Contains(reply.Text, "Cancelled") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	if r.ActiveSessions() != 0 {
		t.Fatal("cancel must discard the session")
	}

	// A command mid-flow other than /cancel is refused.
	say(r, "u1", "/send")
	if reply := say(r, "u1", "/contacts"); !strings.Contains(reply.Text, "/cancel") {
		t.Fatalf("expected in-flow refusal, got %q", reply.Text)
	}
}

func TestWhitelistDenial(t *testing.T) {
	orch := &fakeOrchestrator{}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	say(r, "u1", "/send")
	say(r, "u1", "1")
	say(r, "u1", "2.50")

	// The contact vanishes between selection and confirmation; the gate is
	// checked at execution time, not selection time.
	list, _ := store.ListContacts(context.Background(), "u1")
	if err := store.RemoveContact(context.Background(), "u1", list[0].ID); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}

	reply := say(r, "u1", "yes")
	if !strings.Contains(reply.Text, "not an authorized contact") {
		t.Fatalf("expected denial, got %q", reply.Text)
	}
	if len(orch.calls()) != 0 {
		t.Fatal("denied payment must not reach the orchestrator")
	}
}

func TestAddContactFlow(t *testing.T) {
	r, store := newTestRegistry(&fakeOrchestrator{}, &fakeResolver{})

	say(r, "u1", "/addcontact")
	say(r, "u1", "Bob")
	say(r, "u1", string(bob))
	reply := say(r, "u1", "skip")

	if !strings.Contains(reply.Text, "Contact saved") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	list, _ := store.ListContacts(context.Background(), "u1")
	if len(list) != 1 || list[0].Name != "Bob" || list[0].Destination != bob {
		t.Fatalf("contact not persisted: %+v", list)
	}
	if list[0].Note != "" {
		t.Fatalf("skip must leave the note empty, got %q", list[0].Note)
	}

	// Duplicate destination ends the flow without adding.
	say(r, "u1", "/addcontact")
	say(r, "u1", "Bob again")
	say(r, "u1", string(bob))
	reply = say(r, "u1", "skip")
	if !strings.Contains(reply.Text, "already have a contact") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
}

func TestAddContactAbortsOnUnresolvableWallet(t *testing.T) {
	r, store := newTestRegistry(&fakeOrchestrator{}, &fakeResolver{fail: true})

	say(r, "u1", "/addcontact")
	say(r, "u1", "Bob")
	say(r, "u1", string(bob))
	reply := say(r, "u1", "skip")

	if !strings.Contains(reply.Text, "not saved") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	list, _ := store.ListContacts(context.Background(), "u1")
	if len(list) != 0 {
		t.Fatalf("unresolvable contact must not be saved: %+v", list)
	}
	if r.ActiveSessions() != 0 {
		t.Fatal("failed submission must end the session")
	}
}

func TestBusyUserIsRejectedNotQueued(t *testing.T) {
	orch := &fakeOrchestrator{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	say(r, "u1", "/send")
	say(r, "u1", "1")
	say(r, "u1", "2.50")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		say(r, "u1", "yes")
	}()
	<-orch.started

	// u1 is mid-payment; a second event is turned away immediately.
	reply := say(r, "u1", "hello?")
	if !strings.Contains(reply.Text, "still working") {
		t.Fatalf("expected busy reply, got %q", reply.Text)
	}

	// Other users are unaffected.
	if reply := say(r, "u2", "/help"); !strings.Contains(reply.Text, "/send") {
		t.Fatalf("second user blocked: %q", reply.Text)
	}

	close(orch.release)
	wg.Wait()

	if len(orch.calls()) != 1 {
		t.Fatalf("orchestrator calls = %d, want 1", len(orch.calls()))
	}
}

func TestPanicDiscardsSession(t *testing.T) {
	orch := &fakeOrchestrator{panicMsg: "connection state corrupted"}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	say(r, "u1", "/send")
	say(r, "u1", "1")
	say(r, "u1", "2.50")
	reply := say(r, "u1", "yes")

	if !strings.Contains(reply.Text, "Something went wrong") {
		t.Fatalf("expected generic failure, got %q", reply.Text)
	}
	if r.ActiveSessions() != 0 {
		t.Fatal("panicked session must be discarded")
	}

	// The user can start fresh afterwards.
	orch.panicMsg = ""
	say(r, "u1", "/send")
	say(r, "u1", "1")
	say(r, "u1", "1.00")
	if reply := say(r, "u1", "yes"); !strings.Contains(reply.Text, "Payment sent") {
		t.Fatalf("recovery failed: %q", reply.Text)
	}
}

func TestFailureSummaryKeepsReservation(t *testing.T) {
	orch := &fakeOrchestrator{
		txn: &types.PaymentTransaction{
			Phase:         types.PhaseFailed,
			FailedPhase:   types.PhaseQuoting,
			ReservationID: "res-9",
		},
		err: types.NewGrantError("quote grant rejected"),
	}
	r, store := newTestRegistry(orch, &fakeResolver{})
	addBob(t, store)

	say(r, "u1", "/send")
	say(r, "u1", "1")
	say(r, "u1", "2.50")
	reply := say(r, "u1", "yes")

	if !strings.Contains(reply.Text, "failed during QUOTING") {
		t.Fatalf("summary missing failed phase: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "res-9") || !strings.Contains(reply.Text, "remains open") {
		t.Fatalf("summary must surface the surviving reservation: %q", reply.Text)
	}
}

func TestUnknownCommandAndHelp(t *testing.T) {
	r, _ := newTestRegistry(&fakeOrchestrator{}, &fakeResolver{})

	if reply := say(r, "u1", "/frobnicate"); !strings.Contains(reply.Text, "Try /help") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	if reply := say(r, "u1", "just chatting"); !strings.Contains(reply.Text, "/send") {
		t.Fatalf("bare text outside a flow should show help: %q", reply.Text)
	}
	if reply := say(r, "u1", "/send"); !strings.Contains(reply.Text, "no contacts") {
		t.Fatalf("send with no contacts should refuse: %q", reply.Text)
	}
}
