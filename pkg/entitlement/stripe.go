package entitlement

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
)

// StripeSubscriptions checks Stripe for an active or trialing subscription on
// one of the qualifying prices. It only reads billing state.
type StripeSubscriptions struct {
	Client *stripe.Client

	// Prices lists qualifying price IDs or lookup keys. Empty accepts any
	// active subscription.
	Prices []string
}

// NewStripeSubscriptions builds a checker for secretKey.
func NewStripeSubscriptions(secretKey string, prices []string) *StripeSubscriptions {
	return &StripeSubscriptions{Client: stripe.NewClient(secretKey), Prices: prices}
}

// Active implements Subscriptions.
func (s *StripeSubscriptions) Active(ctx context.Context, email string) (bool, error) {
	if s == nil || s.Client == nil {
		return false, errors.New("stripe client is not configured")
	}

	customers := &stripe.CustomerListParams{Email: stripe.String(email)}
	customers.Limit = stripe.Int64(10)
	for customer, err := range s.Client.V1Customers.List(ctx, customers) {
		if err != nil {
			return false, err
		}
		if customer == nil || customer.Deleted {
			continue
		}
		ok, err := s.customerQualifies(ctx, customer.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *StripeSubscriptions) customerQualifies(ctx context.Context, customerID string) (bool, error) {
	params := &stripe.SubscriptionListParams{Customer: stripe.String(customerID)}
	params.Limit = stripe.Int64(20)
	for sub, err := range s.Client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return false, err
		}
		if subscriptionQualifies(sub, s.Prices) {
			return true, nil
		}
	}
	return false, nil
}

func subscriptionQualifies(sub *stripe.Subscription, prices []string) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
	default:
		return false
	}
	if len(prices) == 0 {
		return true
	}
	if sub.Items == nil {
		return false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		for _, want := range prices {
			want = strings.TrimSpace(want)
			if want == "" {
				continue
			}
			if item.Price.ID == want || item.Price.LookupKey == want {
				return true
			}
		}
	}
	return false
}
