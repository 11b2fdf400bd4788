// Package payments drives the three-phase transfer state machine:
// reservation on the receiving side, quote on the sending side, then
// execution of the debit.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paybot/openpay/grants"
	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/metrics"
	"github.com/paybot/openpay/resolver"
	"github.com/paybot/openpay/signing"
	"github.com/paybot/openpay/types"
	"github.com/paybot/openpay/utils"
)

// grant expiry is checked with this much slack so a token cannot lapse
// mid-request.
const expirySkew = 30 * time.Second

// SendRequest is one confirmed transfer request.
type SendRequest struct {
	Source      types.AccountIdentifier
	Destination types.AccountIdentifier
	Amount      decimal.Decimal
	Description string
}

// Service is the payment orchestrator. It holds no locks across network
// round trips; the only shared state is the in-process grant cache.
type Service struct {
	resolver   *resolver.Resolver
	grants     *grants.Negotiator
	signer     *signing.Signer
	client     *http.Client
	timeout    time.Duration
	minAmount  decimal.Decimal
	maxAmount  decimal.Decimal
	identities map[types.AccountIdentifier]types.SigningIdentity
	source     types.AccountIdentifier
	log        logger.Logger
	rec        metrics.Recorder

	mu     sync.Mutex
	tokens map[string]*types.GrantToken

	// Now is the clock used for expiry checks. Overridable in tests.
	Now func() time.Time
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Resolver   *resolver.Resolver
	Grants     *grants.Negotiator
	Signer     *signing.Signer
	Client     *http.Client
	Timeout    time.Duration
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	Source     types.AccountIdentifier
	Identities map[types.AccountIdentifier]types.SigningIdentity
	Logger     logger.Logger
	Metrics    metrics.Recorder
}

func NewService(d Deps) *Service {
	if d.Client == nil {
		d.Client = &http.Client{}
	}
	if d.Signer == nil {
		d.Signer = signing.NewSigner()
	}
	if d.Logger == nil {
		d.Logger = logger.NoopLogger{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	return &Service{
		resolver:   d.Resolver,
		grants:     d.Grants,
		signer:     d.Signer,
		client:     d.Client,
		timeout:    d.Timeout,
		minAmount:  d.MinAmount,
		maxAmount:  d.MaxAmount,
		identities: d.Identities,
		source:     d.Source,
		log:        d.Logger,
		rec:        d.Metrics,
		tokens:     make(map[string]*types.GrantToken),
		Now:        time.Now,
	}
}

// SendPayment runs one transfer attempt to completion. Validation failures
// return a nil transaction and touch no network; once the transaction is
// accepted, the returned record survives failure and retains the identifiers
// of every remote resource already created. Nothing is rolled back.
func (s *Service) SendPayment(ctx context.Context, req SendRequest) (*types.PaymentTransaction, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	txn := &types.PaymentTransaction{
		Amount:      req.Amount,
		Description: req.Description,
		Source:      req.Source,
		Destination: req.Destination,
		Phase:       types.PhaseInit,
	}

	s.log.Info("payment started", map[string]any{
		"source":      req.Source.String(),
		"destination": req.Destination.String(),
		"amount":      req.Amount.String(),
	})

	// RESOLVING: both endpoints must resolve.
	txn.Phase = types.PhaseResolving
	srcMeta, err := s.resolver.Resolve(ctx, req.Source)
	if err != nil {
		return s.fail(txn, types.PhaseResolving, err)
	}
	dstMeta, err := s.resolver.Resolve(ctx, req.Destination)
	if err != nil {
		return s.fail(txn, types.PhaseResolving, err)
	}

	// RESERVING: hold on the destination, in the destination's asset.
	txn.Phase = types.PhaseReserving
	reservation, err := s.reserve(ctx, req, dstMeta)
	if err != nil {
		return s.fail(txn, types.PhaseReserving, err)
	}
	txn.ReservationID = reservation.ID

	// QUOTING: cost the payment on the source side against the reservation.
	txn.Phase = types.PhaseQuoting
	quote, err := s.quote(ctx, req, srcMeta, reservation)
	if err != nil {
		return s.fail(txn, types.PhaseQuoting, err)
	}
	txn.QuoteID = quote.ID

	// EXECUTING: commit the debit against the quote.
	txn.Phase = types.PhaseExecuting
	execution, err := s.execute(ctx, req.Source, srcMeta, quote)
	if err != nil {
		return s.fail(txn, types.PhaseExecuting, err)
	}
	txn.ExecutionID = execution.ID
	txn.State = execution.State
	txn.Phase = types.PhaseCompleted

	s.rec.IncCounter("payment_completed", map[string]string{"phase": string(types.PhaseCompleted)})
	s.log.Info("payment completed", map[string]any{
		"execution_id":   txn.ExecutionID,
		"reservation_id": txn.ReservationID,
		"quote_id":       txn.QuoteID,
		"state":          txn.State,
	})
	return txn, nil
}

func (s *Service) validate(req SendRequest) error {
	if !req.Source.Valid() {
		return types.NewValidationError("invalid source identifier %q", req.Source)
	}
	if !req.Destination.Valid() {
		return types.NewValidationError("invalid destination identifier %q", req.Destination)
	}
	if !req.Amount.IsPositive() {
		return types.NewValidationError("amount must be greater than zero")
	}
	return utils.CheckBounds(req.Amount, s.minAmount, s.maxAmount)
}

func (s *Service) fail(txn *types.PaymentTransaction, phase types.Phase, cause error) (*types.PaymentTransaction, error) {
	txn.Phase = types.PhaseFailed
	txn.FailedPhase = phase
	txn.Failure = cause.Error()

	s.rec.IncCounter("payment_failed", map[string]string{"phase": string(phase)})
	s.log.Warn("payment failed", map[string]any{
		"phase":          string(phase),
		"error":          cause.Error(),
		"reservation_id": txn.ReservationID,
		"quote_id":       txn.QuoteID,
	})

	// Resolution, signing, and grant failures keep their own taxonomy codes;
	// endpoint failures are reported as the phase they broke.
	if types.CodeOf(cause) != "" {
		return txn, cause
	}
	return txn, types.NewPhaseError(phase, cause)
}

func (s *Service) reserve(ctx context.Context, req SendRequest, dstMeta *types.AccountMetadata) (*types.ReservationResult, error) {
	amount, err := utils.WireAmount(req.Amount, dstMeta.AssetCode, dstMeta.Scale())
	if err != nil {
		return nil, err
	}

	token, err := s.grantFor(ctx, req.Destination, dstMeta,
		types.AccessIncomingPayment, []string{types.ActionCreate, types.ActionRead})
	if err != nil {
		return nil, err
	}

	body := types.ReservationRequest{
		WalletAddress:  dstMeta.ID,
		IncomingAmount: amount,
		Description:    req.Description,
	}

	var result types.ReservationResult
	if err := s.post(ctx, req.Destination, dstMeta.Capabilities.IncomingPayments.ID, token, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) quote(ctx context.Context, req SendRequest, srcMeta *types.AccountMetadata, reservation *types.ReservationResult) (*types.QuoteResult, error) {
	amount, err := utils.WireAmount(req.Amount, srcMeta.AssetCode, srcMeta.Scale())
	if err != nil {
		return nil, err
	}

	token, err := s.grantFor(ctx, req.Source, srcMeta,
		types.AccessQuote, []string{types.ActionCreate, types.ActionRead})
	if err != nil {
		return nil, err
	}

	body := types.QuoteRequest{
		WalletAddress: srcMeta.ID,
		Receiver:      reservation.ID,
		Method:        "ilp",
		DebitAmount:   amount,
	}

	var result types.QuoteResult
	if err := s.post(ctx, req.Source, srcMeta.Capabilities.Quotes.ID, token, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) execute(ctx context.Context, source types.AccountIdentifier, srcMeta *types.AccountMetadata, quote *types.QuoteResult) (*types.ExecutionResult, error) {
	token, err := s.grantFor(ctx, source, srcMeta,
		types.AccessOutgoingPayment, []string{types.ActionCreate, types.ActionRead})
	if err != nil {
		return nil, err
	}

	body := types.ExecutionRequest{
		WalletAddress: srcMeta.ID,
		QuoteID:       quote.ID,
	}

	var result types.ExecutionResult
	if err := s.post(ctx, source, srcMeta.Capabilities.OutgoingPayments.ID, token, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// grantFor returns a cached, unexpired token scoped to exactly the access the
// phase needs, negotiating a fresh one otherwise. A grant that turns out to
// require interaction cannot be completed mid-payment and fails the
// transaction.
func (s *Service) grantFor(ctx context.Context, account types.AccountIdentifier, meta *types.AccountMetadata, resourceType string, actions []string) (*types.GrantToken, error) {
	key := account.String() + "|" + resourceType

	s.mu.Lock()
	cached, ok := s.tokens[key]
	s.mu.Unlock()

	if ok && !cached.Expired(s.Now().Add(expirySkew)) {
		return cached, nil
	}

	access := []types.GrantAccess{{Type: resourceType, Actions: actions}}
	token, interaction, err := s.grants.RequestGrant(ctx, s.identityFor(account), account, meta, access)
	if err != nil {
		return nil, err
	}
	if interaction != nil {
		return nil, types.NewGrantError(
			"grant for %s requires out-of-band approval at %s", account, interaction.ContinueURI)
	}

	s.mu.Lock()
	s.tokens[key] = token
	s.mu.Unlock()

	return token, nil
}

// identityFor picks the signing identity registered for account, falling back
// to the engine's source identity: a client may request grants at a
// counterpart's authorization server with its own key.
func (s *Service) identityFor(account types.AccountIdentifier) types.SigningIdentity {
	if id, ok := s.identities[account]; ok {
		return id
	}
	return s.identities[s.source]
}

// WarmGrants pre-negotiates the source account's quote and execution grants.
// The interaction, when present, must be completed by the operator before
// payments can run.
func (s *Service) WarmGrants(ctx context.Context) (*types.InteractionRequired, error) {
	meta, err := s.resolver.Resolve(ctx, s.source)
	if err != nil {
		return nil, err
	}

	access := []types.GrantAccess{
		{Type: types.AccessQuote, Actions: []string{types.ActionCreate, types.ActionRead}},
		{Type: types.AccessOutgoingPayment, Actions: []string{types.ActionCreate, types.ActionRead}},
	}

	token, interaction, err := s.grants.RequestGrant(ctx, s.identityFor(s.source), s.source, meta, access)
	if err != nil {
		return nil, err
	}
	if interaction != nil {
		return interaction, nil
	}

	s.mu.Lock()
	for _, a := range access {
		if token.Allows(a.Type, types.ActionCreate) {
			s.tokens[s.source.String()+"|"+a.Type] = token
		}
	}
	s.mu.Unlock()

	return nil, nil
}

// post signs and sends one authenticated phase request and decodes the
// response, failing closed when required fields are missing.
func (s *Service) post(ctx context.Context, account types.AccountIdentifier, endpoint string, token *types.GrantToken, reqBody, out interface{}) error {
	if token.Expired(s.Now()) {
		return types.NewGrantError("grant token for %s expired before use", account)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}

	headers, err := s.signer.Sign(s.identityFor(account), http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "GNAP "+token.Value)
	headers.Apply(req.Header.Set)

	start := time.Now()
	resp, err := s.client.Do(req)
	s.rec.ObserveLatency("phase_request", time.Since(start), map[string]string{"phase": ""})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint %s returned status %d: %s", endpoint, resp.StatusCode, respBody)
	}

	return utils.DecodeAndValidate(respBody, out)
}
