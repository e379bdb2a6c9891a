// Package billing integrates Stripe for subscription management and plan
// sync. Plans map to generation run limits; webhook events keep each
// project's quota settings in step with its subscription. If Stripe is not
// configured (no secret key), billing endpoints return 503 and projects
// keep whatever limits they already have.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/storewise-ai/storewise/internal/storage"
)

// ErrBillingDisabled is returned when Stripe is not configured.
var ErrBillingDisabled = errors.New("billing not configured")

// Plan defines the generation budget of a subscription tier.
type Plan struct {
	Name            string
	PriceID         string // Stripe Price ID (empty for free/enterprise).
	RunLimit        *int   // nil = unlimited.
	HardEnforcement bool
}

// Service wraps Stripe API calls and plan synchronization.
type Service struct {
	client        *stripe.Client
	db            *storage.DB
	logger        *slog.Logger
	plans         map[string]Plan
	webhookSecret string
	proPriceID    string
	enabled       bool
}

// Config holds Stripe configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceIDPro    string
}

func intPtr(v int) *int { return &v }

// New creates a billing service. If cfg.SecretKey is empty, the service
// operates in disabled mode. Returns an error if billing is enabled but
// required fields are missing.
func New(db *storage.DB, cfg Config, logger *slog.Logger) (*Service, error) {
	enabled := cfg.SecretKey != ""

	if enabled {
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("billing: STOREWISE_STRIPE_WEBHOOK_SECRET is required when billing is enabled")
		}
		if cfg.PriceIDPro == "" {
			return nil, fmt.Errorf("billing: STOREWISE_STRIPE_PRO_PRICE_ID is required when billing is enabled")
		}
	}

	var client *stripe.Client
	if enabled {
		client = stripe.NewClient(cfg.SecretKey)
	}

	return &Service{
		client: client,
		db:     db,
		logger: logger,
		plans: map[string]Plan{
			"free": {
				Name:            "Free",
				RunLimit:        intPtr(100),
				HardEnforcement: true,
			},
			"pro": {
				Name:            "Pro",
				PriceID:         cfg.PriceIDPro,
				RunLimit:        intPtr(5_000),
				HardEnforcement: false, // soft overage, invoiced
			},
			"enterprise": {
				Name:            "Enterprise",
				RunLimit:        nil, // custom per-project
				HardEnforcement: false,
			},
		},
		webhookSecret: cfg.WebhookSecret,
		proPriceID:    cfg.PriceIDPro,
		enabled:       enabled,
	}, nil
}

// Enabled returns true if Stripe is configured.
func (s *Service) Enabled() bool { return s.enabled }

// GetPlan returns the plan definition for a given plan name.
func (s *Service) GetPlan(name string) (Plan, bool) {
	p, ok := s.plans[name]
	return p, ok
}

// CreateCheckoutSession creates a Stripe Checkout session for plan upgrade.
func (s *Service) CreateCheckoutSession(ctx context.Context, projectID, email, successURL, cancelURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sess, err := s.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(email),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(s.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"project_id": projectID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe billing portal session for
// subscription management.
func (s *Service) CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sess, err := s.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(stripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("billing: create portal session: %w", err)
	}
	return sess.URL, nil
}
