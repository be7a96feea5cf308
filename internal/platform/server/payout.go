package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrNoProviderForMethod = errors.New("no payout provider registered for method")

// PayoutReceipt is a provider's confirmation of a dispatched payout.
type PayoutReceipt struct {
	Reference        string
	EstimatedArrival string
}

// PayoutProvider pushes funds to an external destination. Payout must be
// safe to call once per withdrawal; retries happen at the withdrawal layer
// under a fresh idempotency key.
type PayoutProvider interface {
	Name() string
	Payout(ctx context.Context, amountMilli int64, currency string, destination DestinationDetails) (PayoutReceipt, error)
}

// PayoutRegistry maps withdrawal methods to providers. One provider usually
// serves a whole method family.
type PayoutRegistry struct {
	mu       sync.RWMutex
	byMethod map[string]PayoutProvider
}

func NewPayoutRegistry() *PayoutRegistry {
	r := &PayoutRegistry{byMethod: make(map[string]PayoutProvider)}

	mobile := &mobileMoneyProvider{}
	for _, m := range []string{"orange_money", "mtn_money", "airtel_money", "mpesa", "africell_money", "orange_cd", "airtel_cd"} {
		r.Register(m, mobile)
	}
	r.Register("paypal", &paypalProvider{})
	bank := &bankProvider{}
	r.Register("bank_card", bank)
	r.Register("bank_transfer", bank)
	crypto := &cryptoProvider{}
	r.Register("usdt", crypto)
	r.Register("bitcoin", crypto)
	return r
}

func (r *PayoutRegistry) Register(method string, p PayoutProvider) {
	if r == nil || method == "" || p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMethod[method] = p
}

func (r *PayoutRegistry) Provider(method string) (PayoutProvider, error) {
	if r == nil {
		return nil, ErrNoProviderForMethod
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byMethod[method]
	if !ok {
		return nil, ErrNoProviderForMethod
	}
	return p, nil
}

func payoutReference(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type paypalProvider struct{}

func (p *paypalProvider) Name() string { return "paypal" }

func (p *paypalProvider) Payout(ctx context.Context, amountMilli int64, currency string, destination DestinationDetails) (PayoutReceipt, error) {
	if err := ctx.Err(); err != nil {
		return PayoutReceipt{}, err
	}
	if destination["email"] == "" {
		return PayoutReceipt{}, errors.New("paypal payout requires destination email")
	}
	return PayoutReceipt{Reference: payoutReference("PP"), EstimatedArrival: "2-3 hours"}, nil
}

type mobileMoneyProvider struct{}

func (p *mobileMoneyProvider) Name() string { return "mobile_money" }

func (p *mobileMoneyProvider) Payout(ctx context.Context, amountMilli int64, currency string, destination DestinationDetails) (PayoutReceipt, error) {
	if err := ctx.Err(); err != nil {
		return PayoutReceipt{}, err
	}
	if destination["phone"] == "" {
		return PayoutReceipt{}, errors.New("mobile money payout requires destination phone")
	}
	return PayoutReceipt{Reference: payoutReference("MM"), EstimatedArrival: "a few minutes"}, nil
}

type bankProvider struct{}

func (p *bankProvider) Name() string { return "bank" }

func (p *bankProvider) Payout(ctx context.Context, amountMilli int64, currency string, destination DestinationDetails) (PayoutReceipt, error) {
	if err := ctx.Err(); err != nil {
		return PayoutReceipt{}, err
	}
	if destination["account"] == "" && destination["card"] == "" {
		return PayoutReceipt{}, errors.New("bank payout requires destination account or card")
	}
	return PayoutReceipt{Reference: payoutReference("BK"), EstimatedArrival: "2-3 business days"}, nil
}

type cryptoProvider struct{}

func (p *cryptoProvider) Name() string { return "crypto" }

func (p *cryptoProvider) Payout(ctx context.Context, amountMilli int64, currency string, destination DestinationDetails) (PayoutReceipt, error) {
	if err := ctx.Err(); err != nil {
		return PayoutReceipt{}, err
	}
	if destination["address"] == "" {
		return PayoutReceipt{}, errors.New("crypto payout requires destination address")
	}
	return PayoutReceipt{Reference: payoutReference("CR"), EstimatedArrival: "under an hour"}, nil
}
