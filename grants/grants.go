// Package grants negotiates delegated-access tokens with an account's
// authorization server.
package grants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/metrics"
	"github.com/paybot/openpay/signing"
	"github.com/paybot/openpay/types"
)

// Negotiator requests grants over the GNAP handshake. It completes the
// immediate-grant path only; interactive approval is surfaced to the caller
// as a first-class outcome and never driven by the engine.
type Negotiator struct {
	client  *http.Client
	signer  *signing.Signer
	timeout time.Duration
	log     logger.Logger
	rec     metrics.Recorder

	// Now is the clock used for token expiry. Overridable in tests.
	Now func() time.Time
}

func NewNegotiator(client *http.Client, signer *signing.Signer, timeout time.Duration, log logger.Logger, rec metrics.Recorder) *Negotiator {
	if client == nil {
		client = &http.Client{}
	}
	if signer == nil {
		signer = signing.NewSigner()
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Negotiator{
		client:  client,
		signer:  signer,
		timeout: timeout,
		log:     log,
		rec:     rec,
		Now:     time.Now,
	}
}

// RequestGrant asks the authorization server in meta for the given access on
// behalf of account. Exactly one of the returns is non-nil on success: a
// usable token, or the interaction the caller must hand off to a human.
func (n *Negotiator) RequestGrant(
	ctx context.Context,
	identity types.SigningIdentity,
	account types.AccountIdentifier,
	meta *types.AccountMetadata,
	access []types.GrantAccess,
) (*types.GrantToken, *types.InteractionRequired, error) {
	if len(access) == 0 {
		return nil, nil, types.NewGrantError("no access requested for %s", account)
	}

	jwk, err := signing.PublicKeyJWK(identity)
	if err != nil {
		return nil, nil, err
	}

	grantReq := types.GrantRequest{
		AccessToken: types.GrantRequestAccess{Access: access},
		Client: types.ClientDescriptor{
			Key: types.ClientKey{Proof: "httpsig", JWK: jwk},
		},
		Interact: &types.InteractSpec{Start: []string{"redirect"}},
	}

	body, err := json.Marshal(grantReq)
	if err != nil {
		return nil, nil, types.NewGrantError("could not encode grant request: %v", err)
	}

	headers, err := n.signer.Sign(identity, http.MethodPost, meta.AuthServer, body)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.AuthServer, bytes.NewReader(body))
	if err != nil {
		return nil, nil, types.NewGrantError("could not build grant request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	headers.Apply(req.Header.Set)

	start := time.Now()
	resp, err := n.client.Do(req)
	n.rec.ObserveLatency("grant", time.Since(start), map[string]string{"phase": ""})
	if err != nil {
		n.rec.IncCounter("grant_failure", map[string]string{"phase": ""})
		return nil, nil, types.NewGrantError("authorization server unreachable: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, types.NewGrantError("could not read grant response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.rec.IncCounter("grant_rejected", map[string]string{"phase": ""})
		n.log.Warn("grant rejected", map[string]any{
			"account": account.String(),
			"status":  resp.StatusCode,
		})
		return nil, nil, types.NewGrantError("grant rejected with status %d: %s",
			resp.StatusCode, truncate(respBody, 200))
	}

	var grantResp types.GrantResponse
	if err := json.Unmarshal(respBody, &grantResp); err != nil {
		return nil, nil, types.NewGrantError("malformed grant response: %v", err)
	}

	switch {
	case grantResp.AccessToken != nil && grantResp.AccessToken.Value != "":
		token := n.buildToken(account, access, grantResp.AccessToken)
		n.rec.IncCounter("grant_issued", map[string]string{"phase": ""})
		n.log.Info("grant issued", map[string]any{
			"account": account.String(),
			"expires": token.ExpiresAt,
		})
		return token, nil, nil

	case grantResp.Continue != nil && grantResp.Continue.URI != "":
		interaction := &types.InteractionRequired{
			ContinueURI:   grantResp.Continue.URI,
			ContinueToken: grantResp.Continue.AccessToken.Value,
		}
		if grantResp.Interact != nil {
			interaction.RedirectURI = grantResp.Interact.Redirect
		}
		n.rec.IncCounter("grant_interaction_required", map[string]string{"phase": ""})
		n.log.Info("grant requires interaction", map[string]any{
			"account":      account.String(),
			"continue_uri": interaction.ContinueURI,
		})
		return nil, interaction, nil

	default:
		return nil, nil, types.NewGrantError(
			"grant response carried neither an access token nor a continuation")
	}
}

func (n *Negotiator) buildToken(account types.AccountIdentifier, requested []types.GrantAccess, issued *types.GrantResponseToken) *types.GrantToken {
	token := &types.GrantToken{
		Value:   issued.Value,
		Account: account,
		Access:  issued.Access,
	}
	// Servers commonly omit the echoed access set; fall back to what was
	// requested.
	if len(token.Access) == 0 {
		token.Access = requested
	}
	if issued.ExpiresIn > 0 {
		token.ExpiresAt = n.Now().Add(time.Duration(issued.ExpiresIn) * time.Second)
	}
	return token
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
