// internal/subscription/webhook.go
package subscription

import (
	"context"
	"encoding/json"
	"net/http"

	"bri-bot/internal/credits"

	"go.uber.org/zap"
)

// priceCredits maps checkout price ids to credit bundle sizes.
var priceCredits = map[string]int{
	"price_bri_credits_100":  100,
	"price_bri_credits_550":  550,
	"price_bri_credits_1200": 1200,
}

// pricePlans maps recurring price ids to plan tiers.
var pricePlans = map[string]string{
	"price_bri_standard_monthly":   PlanStandard,
	"price_bri_premium_monthly":    PlanPremium,
	"price_bri_enterprise_monthly": PlanEnterprise,
}

// webhookEvent is the slice of a Stripe-style event we care about. Checkout
// sessions carry line_items; subscription objects carry items.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string            `json:"id"`
			Customer         string            `json:"customer"`
			Status           string            `json:"status"`
			CurrentPeriodEnd int64             `json:"current_period_end"`
			Metadata         map[string]string `json:"metadata"`
			Items            priceItems        `json:"items"`
			LineItems        priceItems        `json:"line_items"`
		} `json:"object"`
	} `json:"data"`
}

type priceItems struct {
	Data []struct {
		Quantity int `json:"quantity"`
		Price    struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"data"`
}

// WebhookHandler consumes checkout and subscription lifecycle events. The
// upstream payment provider is trusted; no signature enforcement happens here.
type WebhookHandler struct {
	ledger   *credits.Ledger
	registry *Registry
	log      *zap.SugaredLogger
}

func NewWebhookHandler(ledger *credits.Ledger, registry *Registry, log *zap.SugaredLogger) *WebhookHandler {
	return &WebhookHandler{ledger: ledger, registry: registry, log: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.log.Warnw("webhook decode failed", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	guildID := event.Data.Object.Metadata["guild_id"]

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckout(w, event, guildID)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		h.handleSubscriptionChange(w, event, guildID)
	default:
		// Acknowledge everything else so the sender stops retrying.
		w.WriteHeader(http.StatusOK)
	}
}

func (h *WebhookHandler) handleCheckout(w http.ResponseWriter, event webhookEvent, guildID string) {
	session := event.Data.Object
	if guildID == "" {
		h.log.Warnw("checkout session without guild_id", "session_id", session.ID)
		http.Error(w, "missing guild_id", http.StatusBadRequest)
		return
	}

	total := 0
	for _, item := range session.LineItems.Data {
		bundle, ok := priceCredits[item.Price.ID]
		if !ok {
			h.log.Warnw("unknown price id", "price_id", item.Price.ID, "session_id", session.ID)
			continue
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += bundle * qty
	}

	if total == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.ledger.AddPurchasedCredits(context.Background(), guildID, total, session.ID); err != nil {
		h.log.Errorw("purchase credit failed", "guild_id", guildID, "session_id", session.ID, "error", err)
		http.Error(w, "credit failed", http.StatusInternalServerError)
		return
	}

	h.log.Infow("purchase credited", "guild_id", guildID, "credits", total, "session_id", session.ID)
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleSubscriptionChange(w http.ResponseWriter, event webhookEvent, guildID string) {
	sub := event.Data.Object
	if guildID == "" {
		h.log.Warnw("subscription event without guild_id", "subscription_id", sub.ID)
		http.Error(w, "missing guild_id", http.StatusBadRequest)
		return
	}

	plan := ""
	for _, item := range sub.Items.Data {
		if p, ok := pricePlans[item.Price.ID]; ok {
			plan = p
			break
		}
	}

	status := "inactive"
	if event.Type != "customer.subscription.deleted" && sub.Status == "active" {
		status = "active"
	}

	update := Update{
		Plan:             plan,
		Status:           status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		StripeCustomerID: sub.Customer,
	}
	if err := h.registry.UpdateServerSubscription(context.Background(), guildID, update); err != nil {
		h.log.Errorw("subscription update failed", "guild_id", guildID, "subscription_id", sub.ID, "error", err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}

	h.log.Infow("subscription updated", "guild_id", guildID, "plan", plan, "status", status)
	w.WriteHeader(http.StatusOK)
}
