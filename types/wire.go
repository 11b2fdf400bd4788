package types

// Wire records exchanged with the payment network. Every response type
// declares its required fields so callers can fail closed on malformed
// payloads instead of propagating zero values.

// JWK is the public-key descriptor sent with a grant request.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x,omitempty"`
}

// ClientKey names the key the client will prove possession of.
type ClientKey struct {
	Proof string `json:"proof"`
	JWK   JWK    `json:"jwk"`
}

// ClientDescriptor identifies the requesting client in a grant request.
type ClientDescriptor struct {
	Key ClientKey `json:"key"`
}

// InteractFinish describes how the authorization server should hand control
// back after an interactive approval.
type InteractFinish struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	Nonce  string `json:"nonce"`
}

// InteractSpec asks the authorization server to support interactive approval.
type InteractSpec struct {
	Start  []string        `json:"start"`
	Finish *InteractFinish `json:"finish,omitempty"`
}

// GrantRequestAccess wraps the requested access set.
type GrantRequestAccess struct {
	Access []GrantAccess `json:"access"`
}

// GrantRequest is the GNAP request body sent to an authorization server.
type GrantRequest struct {
	AccessToken GrantRequestAccess `json:"access_token"`
	Client      ClientDescriptor   `json:"client"`
	Interact    *InteractSpec      `json:"interact,omitempty"`
}

// GrantResponseToken is the issued token in a grant response.
type GrantResponseToken struct {
	Value     string        `json:"value" validate:"required"`
	ExpiresIn int           `json:"expires_in"`
	Access    []GrantAccess `json:"access"`
}

// GrantContinueToken carries the continuation token for an interactive grant.
type GrantContinueToken struct {
	Value string `json:"value"`
}

// GrantContinue is the continuation descriptor of an interactive grant
// response.
type GrantContinue struct {
	URI         string             `json:"uri" validate:"required"`
	AccessToken GrantContinueToken `json:"access_token"`
	Wait        int                `json:"wait,omitempty"`
}

// GrantResponse is the GNAP response body. Exactly one of AccessToken or
// Continue is expected.
type GrantResponse struct {
	AccessToken *GrantResponseToken `json:"access_token,omitempty"`
	Continue    *GrantContinue      `json:"continue,omitempty"`
	Interact    *struct {
		Redirect string `json:"redirect,omitempty"`
	} `json:"interact,omitempty"`
}

// ReservationRequest creates a receiver-side hold (incoming payment).
type ReservationRequest struct {
	WalletAddress  string `json:"walletAddress"`
	IncomingAmount Amount `json:"incomingAmount"`
	Description    string `json:"description,omitempty"`
}

// ReservationResult is the created reservation.
type ReservationResult struct {
	ID             string `json:"id" validate:"required"`
	WalletAddress  string `json:"walletAddress"`
	IncomingAmount Amount `json:"incomingAmount"`
	Completed      bool   `json:"completed"`
}

// QuoteRequest asks the sender side to cost a payment against a reservation.
type QuoteRequest struct {
	WalletAddress string `json:"walletAddress"`
	Receiver      string `json:"receiver"`
	Method        string `json:"method"`
	DebitAmount   Amount `json:"debitAmount"`
}

// QuoteResult is the costed plan, fixing the debit before execution.
type QuoteResult struct {
	ID            string `json:"id" validate:"required"`
	Receiver      string `json:"receiver"`
	DebitAmount   Amount `json:"debitAmount"`
	ReceiveAmount Amount `json:"receiveAmount"`
}

// ExecutionRequest commits funds against a quote.
type ExecutionRequest struct {
	WalletAddress string `json:"walletAddress"`
	QuoteID       string `json:"quoteId"`
}

// ExecutionResult is the created outgoing payment.
type ExecutionResult struct {
	ID    string `json:"id" validate:"required"`
	State string `json:"state"`
}
