package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"
)

// HandleWebhook processes a Stripe webhook event. Returns the HTTP status
// code to respond with and any error. Verifies the webhook signature, then
// dispatches on event type.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	event, err := stripe.ConstructEvent(body, sigHeader, s.webhookSecret)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	default:
		return http.StatusOK, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal checkout session: %w", err)
	}

	projectIDStr, ok := sess.Metadata["project_id"]
	if !ok {
		return http.StatusBadRequest, fmt.Errorf("billing: missing project_id in checkout metadata")
	}
	projectID, err := uuid.Parse(projectIDStr)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid project_id: %w", err)
	}

	if sess.Customer != nil {
		if err := s.db.SetProjectStripeCustomer(ctx, projectID, sess.Customer.ID); err != nil {
			return http.StatusInternalServerError, fmt.Errorf("billing: record customer: %w", err)
		}
	}

	proPlan := s.plans["pro"]
	if err := s.db.UpdateProjectPlan(ctx, projectID, "pro", proPlan.RunLimit, proPlan.HardEnforcement); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: upgrade project: %w", err)
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	s.logger.Info("billing: checkout completed, upgraded to pro",
		"project_id", projectID,
		"customer_id", customerID,
	)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	project, err := s.db.GetProjectByStripeCustomer(ctx, customerID)
	if err != nil {
		s.logger.Warn("billing: subscription updated for unknown customer", "customer_id", customerID)
		return http.StatusOK, nil // Unrecognized price IDs belong to other products.
	}

	newPlan := "free"
	for name, plan := range s.plans {
		if plan.PriceID != "" && sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil && sub.Items.Data[0].Price.ID == plan.PriceID {
			newPlan = name
			break
		}
	}

	plan := s.plans[newPlan]
	if err := s.db.UpdateProjectPlan(ctx, project.ID, newPlan, plan.RunLimit, plan.HardEnforcement); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: update project plan: %w", err)
	}

	s.logger.Info("billing: subscription updated", "project_id", project.ID, "plan", newPlan)
	return http.StatusOK, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	project, err := s.db.GetProjectByStripeCustomer(ctx, customerID)
	if err != nil {
		s.logger.Warn("billing: subscription deleted for unknown customer", "customer_id", customerID)
		return http.StatusOK, nil
	}

	freePlan := s.plans["free"]
	if err := s.db.UpdateProjectPlan(ctx, project.ID, "free", freePlan.RunLimit, freePlan.HardEnforcement); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: downgrade project: %w", err)
	}

	s.logger.Info("billing: subscription deleted, downgraded to free", "project_id", project.ID)
	return http.StatusOK, nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, event stripe.Event) (int, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal invoice: %w", err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	s.logger.Warn("billing: payment failed",
		"customer_id", customerID,
		"amount_due", invoice.AmountDue,
		"attempt_count", invoice.AttemptCount,
	)

	return http.StatusOK, nil
}
