// Package openpay implements a chat-driven payment engine for the Open
// Payments account-to-account protocol: account resolution, GNAP grant
// negotiation, signed requests, and the reservation → quote → execution
// transfer state machine, driven by per-user conversation sessions.
package openpay

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paybot/openpay/contacts"
	"github.com/paybot/openpay/grants"
	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/metrics"
	"github.com/paybot/openpay/payments"
	"github.com/paybot/openpay/resolver"
	"github.com/paybot/openpay/session"
	"github.com/paybot/openpay/signing"
	"github.com/paybot/openpay/types"
	"github.com/paybot/openpay/utils"
)

// Engine is the assembled payment engine. One Engine serves all users of a
// process; per-user isolation lives in the session registry.
type Engine struct {
	config     *types.Config
	httpClient *http.Client
	log        logger.Logger
	rec        metrics.Recorder
	timeout    time.Duration
	store      contacts.Store

	signer   *signing.Signer
	resolver *resolver.Resolver
	grants   *grants.Negotiator
	payments *payments.Service
	registry *session.Registry
}

// New builds an Engine from config. Key material is decoded here; a
// malformed key fails construction rather than the first payment.
func New(config *types.Config, opts ...Option) (*Engine, error) {
	if config == nil {
		return nil, &types.Error{Code: types.ErrConfig, Message: "config is required"}
	}
	if err := utils.ValidateStruct(config); err != nil {
		return nil, &types.Error{Code: types.ErrConfig, Message: "invalid config: " + err.Error()}
	}

	e := &Engine{
		config:  config,
		log:     logger.NoopLogger{},
		rec:     metrics.NoopRecorder{},
		timeout: 30 * time.Second,
		store:   contacts.NewMemoryStore(),
	}
	if config.DefaultTimeout > 0 {
		e.timeout = config.DefaultTimeout
	}
	if config.EnableMetrics {
		e.rec = metrics.NewPrometheusRecorder()
	}
	if config.LogLevel != "" {
		e.log = logger.NewZapLogger(config.LogLevel)
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: e.timeout}
	}

	minAmount, maxAmount, err := bounds(config)
	if err != nil {
		return nil, err
	}

	identities, err := loadIdentities(config)
	if err != nil {
		return nil, err
	}

	e.signer = signing.NewSigner()
	e.resolver = resolver.NewResolver(e.httpClient, e.timeout, e.log, e.rec)
	e.grants = grants.NewNegotiator(e.httpClient, e.signer, e.timeout, e.log, e.rec)

	e.payments = payments.NewService(payments.Deps{
		Resolver:   e.resolver,
		Grants:     e.grants,
		Signer:     e.signer,
		Client:     e.httpClient,
		Timeout:    e.timeout,
		MinAmount:  minAmount,
		MaxAmount:  maxAmount,
		Source:     config.Source.Address,
		Identities: identities,
		Logger:     e.log,
		Metrics:    e.rec,
	})

	e.registry = session.NewRegistry(session.Deps{
		Store:        e.store,
		Gate:         contacts.NewGate(e.store),
		Orchestrator: e.payments,
		Resolver:     e.resolver,
		Source:       config.Source.Address,
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
		Logger:       e.log,
		Metrics:      e.rec,
	})

	return e, nil
}

// HandleEvent consumes one inbound chat event and returns the reply to
// render. Safe for concurrent use; same-user events are serialized by the
// session registry.
func (e *Engine) HandleEvent(ctx context.Context, ev types.ChatEvent) types.Reply {
	return e.registry.Handle(ctx, ev)
}

// SendPayment runs one transfer directly, outside any conversation. The
// amount is a decimal string such as "10.50".
func (e *Engine) SendPayment(ctx context.Context, destination types.AccountIdentifier, amount, description string) (*types.PaymentTransaction, error) {
	dec, err := utils.ValidateAmount(amount)
	if err != nil {
		return nil, err
	}
	return e.payments.SendPayment(ctx, payments.SendRequest{
		Source:      e.config.Source.Address,
		Destination: destination,
		Amount:      dec,
		Description: description,
	})
}

// ResolveAccount fetches fresh metadata for a payment pointer.
func (e *Engine) ResolveAccount(ctx context.Context, id types.AccountIdentifier) (*types.AccountMetadata, error) {
	return e.resolver.Resolve(ctx, id)
}

// WarmGrants pre-negotiates the source account's grants. A non-nil
// interaction means the operator must approve the grant out of band before
// payments can execute.
func (e *Engine) WarmGrants(ctx context.Context) (*types.InteractionRequired, error) {
	return e.payments.WarmGrants(ctx)
}

// VerifyConnectivity resolves every configured account once, surfacing
// misconfiguration at startup instead of on the first payment.
func (e *Engine) VerifyConnectivity(ctx context.Context) error {
	if _, err := e.resolver.Resolve(ctx, e.config.Source.Address); err != nil {
		return err
	}
	for _, acct := range e.config.Identities {
		if _, err := e.resolver.Resolve(ctx, acct.Address); err != nil {
			return err
		}
	}
	return nil
}

// Contacts exposes the engine's contact store.
func (e *Engine) Contacts() contacts.Store {
	return e.store
}

// Close releases pooled connections.
func (e *Engine) Close() {
	e.httpClient.CloseIdleConnections()
}

func bounds(config *types.Config) (decimal.Decimal, decimal.Decimal, error) {
	minAmount := types.DecimalFromString(types.DefaultMinAmount)
	if config.MinAmount != "" {
		var err error
		minAmount, err = decimal.NewFromString(config.MinAmount)
		if err != nil {
			return decimal.Zero, decimal.Zero, &types.Error{
				Code: types.ErrConfig, Message: "invalid minAmount: " + config.MinAmount}
		}
	}

	maxAmount := types.DecimalFromString(types.DefaultMaxAmount)
	if config.MaxAmount != "" {
		var err error
		maxAmount, err = decimal.NewFromString(config.MaxAmount)
		if err != nil {
			return decimal.Zero, decimal.Zero, &types.Error{
				Code: types.ErrConfig, Message: "invalid maxAmount: " + config.MaxAmount}
		}
	}
	if maxAmount.LessThan(minAmount) {
		return decimal.Zero, decimal.Zero, &types.Error{
			Code: types.ErrConfig, Message: "maxAmount is below minAmount"}
	}
	return minAmount, maxAmount, nil
}

func loadIdentities(config *types.Config) (map[types.AccountIdentifier]types.SigningIdentity, error) {
	identities := make(map[types.AccountIdentifier]types.SigningIdentity, 1+len(config.Identities))

	accounts := append([]types.AccountConfig{config.Source}, config.Identities...)
	for _, acct := range accounts {
		if !acct.Address.Valid() {
			return nil, &types.Error{
				Code:    types.ErrConfig,
				Message: "invalid wallet address: " + acct.Address.String(),
			}
		}
		key, err := signing.LoadPrivateKey(acct.PrivateKey)
		if err != nil {
			return nil, err
		}
		identities[acct.Address] = types.SigningIdentity{
			KeyID:      acct.KeyID,
			PrivateKey: key,
			Account:    acct.Address,
		}
	}

	return identities, nil
}

// Version information.
const Version = "1.0.0"
