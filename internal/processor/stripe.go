package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeConfig configures a StripeGateway.
type StripeConfig struct {
	SecretKey string
	Currency  string
	// APIURL overrides the Stripe API base (stripe-mock, tests).
	APIURL     string
	HTTPClient *http.Client
}

// StripeGateway implements Processor on Stripe: a PaymentIntent with manual
// capture and a destination charge is the hold; Connect transfers are
// withdrawals; Express accounts are payees.
type StripeGateway struct {
	api      *client.API
	currency string
	logger   *slog.Logger
}

// NewStripeGateway creates a Stripe-backed gateway. Network retries are left
// to the caller so idempotency keys stay under its control.
func NewStripeGateway(cfg StripeConfig, logger *slog.Logger) *StripeGateway {
	if logger == nil {
		logger = slog.Default()
	}
	currency := cfg.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		HTTPClient:        cfg.HTTPClient,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeGateway{api: api, currency: currency, logger: logger}
}

func (s *StripeGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.AmountMinor),
		Currency:             stripe.String(currency),
		CaptureMethod:        stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		ApplicationFeeAmount: stripe.Int64(req.FeeMinor),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.PayeeAccountID),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, s.mapError("create_hold", err)
	}
	return &Hold{Reference: pi.ID, ClientSecret: pi.ClientSecret, State: intentState(pi.Status)}, nil
}

func (s *StripeGateway) CaptureHold(ctx context.Context, reference string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture:" + reference)

	_, err := s.api.PaymentIntents.Capture(reference, params)
	if err == nil {
		return nil
	}
	mapped := s.mapError("capture_hold", err)
	if !errors.Is(mapped, errUnexpectedState) {
		return mapped
	}

	// The intent is not capturable; find out why.
	state, serr := s.HoldState(ctx, reference)
	if serr != nil {
		return serr
	}
	switch state {
	case HoldCaptured:
		return ErrHoldAlreadyCaptured
	case HoldVoided:
		return ErrHoldExpired
	case HoldAwaitingConfirmation:
		return ErrHoldNotReady
	default:
		return fmt.Errorf("%w: capture rejected in state %s", ErrDeclined, state)
	}
}

func (s *StripeGateway) VoidHold(ctx context.Context, reference string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx

	_, err := s.api.PaymentIntents.Cancel(reference, params)
	if err == nil {
		return nil
	}
	mapped := s.mapError("void_hold", err)
	if !errors.Is(mapped, errUnexpectedState) {
		return mapped
	}

	state, serr := s.HoldState(ctx, reference)
	if serr != nil {
		return serr
	}
	switch state {
	case HoldVoided:
		return nil
	case HoldCaptured:
		return ErrHoldAlreadyCaptured
	default:
		return fmt.Errorf("%w: void rejected in state %s", ErrDeclined, state)
	}
}

func (s *StripeGateway) HoldState(ctx context.Context, reference string) (HoldState, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return "", s.mapError("hold_state", err)
	}
	return intentState(pi.Status), nil
}

func (s *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(currency),
		Destination: stripe.String(req.PayeeAccountID),
	}
	if req.Group != "" {
		params.TransferGroup = stripe.String(req.Group)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", s.mapError("transfer", err)
	}
	return tr.ID, nil
}

func (s *StripeGateway) FindTransfer(ctx context.Context, group string) (string, bool, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(group)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := s.api.Transfers.List(params)
	for it.Next() {
		tr := it.Transfer()
		if tr.Reversed {
			continue
		}
		return tr.ID, true, nil
	}
	if err := it.Err(); err != nil {
		return "", false, s.mapError("find_transfer", err)
	}
	return "", false, nil
}

func (s *StripeGateway) PayeeVerified(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountID, params)
	if err != nil {
		mapped := s.mapError("payee_verified", err)
		if errors.Is(mapped, ErrPayeeAccountInvalid) {
			return false, nil
		}
		return false, mapped
	}
	return acct.PayoutsEnabled, nil
}

// CreatePayeeAccount creates an Express account able to receive card
// payments and transfers, paid out daily.
func (s *StripeGateway) CreatePayeeAccount(ctx context.Context, email string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		Settings: &stripe.AccountSettingsParams{
			Payouts: &stripe.AccountSettingsPayoutsParams{
				Schedule: &stripe.AccountSettingsPayoutsScheduleParams{
					Interval: stripe.String("daily"),
				},
			},
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx

	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", s.mapError("create_payee_account", err)
	}
	return acct.ID, nil
}

func (s *StripeGateway) OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	params.Context = ctx

	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", s.mapError("onboarding_link", err)
	}
	return link.URL, nil
}

// errUnexpectedState marks a request rejected because of the intent's
// current state. Callers inspect the intent to pick a precise error.
var errUnexpectedState = errors.New("processor: unexpected intent state")

// mapError translates Stripe failures into the gateway taxonomy.
func (s *StripeGateway) mapError(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure, timeout or cancellation.
		s.logger.Warn("stripe request failed", "op", op, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}

	if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests || se.Type == stripe.ErrorTypeAPI {
		s.logger.Warn("stripe unavailable", "op", op, "status", se.HTTPStatusCode, "request_id", se.RequestID)
		return fmt.Errorf("%w: %s: %s", ErrGatewayUnavailable, op, se.Msg)
	}

	switch string(se.Code) {
	case string(stripe.ErrorCodeResourceMissing):
		if se.Param == "destination" || se.Param == "transfer_data[destination]" || op == "payee_verified" {
			return fmt.Errorf("%w: %s", ErrPayeeAccountInvalid, se.Msg)
		}
		return fmt.Errorf("%w: %s", ErrHoldNotFound, se.Msg)
	case string(stripe.ErrorCodePaymentIntentUnexpectedState):
		return errUnexpectedState
	case string(stripe.ErrorCodeBalanceInsufficient):
		return fmt.Errorf("%w: %s", ErrInsufficientGatewayFunds, se.Msg)
	case string(stripe.ErrorCodeAccountInvalid):
		return fmt.Errorf("%w: %s", ErrPayeeAccountInvalid, se.Msg)
	}
	if se.Param == "destination" || se.Param == "transfer_data[destination]" {
		return fmt.Errorf("%w: %s", ErrPayeeAccountInvalid, se.Msg)
	}

	s.logger.Info("stripe request declined", "op", op, "code", se.Code, "type", se.Type, "status", se.HTTPStatusCode)
	return fmt.Errorf("%w: %s: %s", ErrDeclined, op, se.Msg)
}

func intentState(status stripe.PaymentIntentStatus) HoldState {
	switch status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return HoldHeld
	case stripe.PaymentIntentStatusSucceeded:
		return HoldCaptured
	case stripe.PaymentIntentStatusCanceled:
		return HoldVoided
	default:
		return HoldAwaitingConfirmation
	}
}

var _ Processor = (*StripeGateway)(nil)
