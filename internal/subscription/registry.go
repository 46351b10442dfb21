// internal/subscription/registry.go
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bri-bot/internal/clock"
	"bri-bot/internal/credits"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Feature is a plan entitlement flag.
type Feature string

const (
	FeatureJournaling         Feature = "journaling"
	FeatureCustomPrompt       Feature = "custom_prompt"
	FeatureUnlimitedReminders Feature = "unlimited_reminders"
	FeatureUnlimitedSchedules Feature = "unlimited_scheduling"
	FeatureUnlimitedVision    Feature = "unlimited_vision"
)

const (
	PlanStandard   = "standard"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

// planFeatures is a strict superset chain: each tier carries everything below it.
var planFeatures = map[string][]Feature{
	PlanStandard: {FeatureJournaling},
	PlanPremium: {FeatureJournaling, FeatureCustomPrompt,
		FeatureUnlimitedReminders},
	PlanEnterprise: {FeatureJournaling, FeatureCustomPrompt,
		FeatureUnlimitedReminders, FeatureUnlimitedSchedules, FeatureUnlimitedVision},
}

// planCredits is both the one-time activation bonus and the fixed monthly
// subscription-pool size.
var planCredits = map[string]int{
	PlanStandard:   500,
	PlanPremium:    1500,
	PlanEnterprise: 5000,
}

// operationFeature maps billable operations to the unlimited flag that waives
// them. Operations without a flag are always metered.
var operationFeature = map[credits.Operation]Feature{
	credits.OpReminder:   FeatureUnlimitedReminders,
	credits.OpScheduling: FeatureUnlimitedSchedules,
	credits.OpVision:     FeatureUnlimitedVision,
}

// Status is the answer to "is this guild subscribed, and to what".
type Status struct {
	Subscribed bool
	Plan       string
}

// Update carries webhook/admin-supplied subscription state. This component
// trusts the caller; payment verification happens upstream.
type Update struct {
	Plan             string
	Status           string
	CurrentPeriodEnd int64 // unix seconds; 0 leaves the stored value alone
	StripeCustomerID string
}

type Registry struct {
	db     *database.DB
	log    *zap.SugaredLogger
	ledger *credits.Ledger
	clock  clock.Clock
}

func NewRegistry(db *database.DB, ledger *credits.Ledger, log *zap.SugaredLogger) *Registry {
	return &Registry{
		db:     db,
		log:    log,
		ledger: ledger,
		clock:  clock.Real{},
	}
}

// SetClock replaces the clock. Tests only.
func (r *Registry) SetClock(c clock.Clock) { r.clock = c }

func (r *Registry) HasActiveSubscription(ctx context.Context, guildID string) (Status, error) {
	var sub models.ServerSubscription
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("load subscription: %w", err)
	}

	if sub.Status != "active" {
		return Status{}, nil
	}
	if !sub.CurrentPeriodEnd.IsZero() && sub.CurrentPeriodEnd.Before(r.clock.Now()) {
		return Status{}, nil
	}

	return Status{Subscribed: true, Plan: sub.Plan}, nil
}

func (r *Registry) IsFeatureSubscribed(ctx context.Context, guildID string, feature Feature) (bool, error) {
	status, err := r.HasActiveSubscription(ctx, guildID)
	if err != nil || !status.Subscribed {
		return false, err
	}

	for _, f := range planFeatures[status.Plan] {
		if f == feature {
			return true, nil
		}
	}
	return false, nil
}

// UpdateServerSubscription upserts the guild's plan/status. An empty plan
// keeps the stored one (cancellation events carry no plan). Transitioning from
// inactive or absent to active deposits the plan's one-time bonus into the
// ledger's subscription pool.
func (r *Registry) UpdateServerSubscription(ctx context.Context, guildID string, data Update) error {
	if data.Plan != "" {
		if _, ok := planCredits[data.Plan]; !ok {
			return fmt.Errorf("unknown plan %q", data.Plan)
		}
	}

	var sub models.ServerSubscription
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&sub).Error
	wasActive := err == nil && sub.Status == "active"
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load subscription: %w", err)
	}

	sub.GuildID = guildID
	if data.Plan != "" {
		sub.Plan = data.Plan
	}
	if sub.Plan == "" {
		return fmt.Errorf("no plan on record for guild %s", guildID)
	}
	sub.Status = data.Status
	if data.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = unixTime(data.CurrentPeriodEnd)
	}
	if data.StripeCustomerID != "" {
		sub.StripeCustomerID = data.StripeCustomerID
	}

	if err := r.db.WithContext(ctx).Save(&sub).Error; err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	if !wasActive && data.Status == "active" {
		bonus := planCredits[sub.Plan]
		if err := r.ledger.AddCredits(ctx, guildID, bonus, credits.SourceSubscription); err != nil {
			// The subscription itself stands; the missing bonus is an
			// operator-visible inconsistency.
			r.log.Errorw("activation bonus deposit failed", "guild_id", guildID, "plan", sub.Plan, "error", err)
		} else {
			r.log.Infow("subscription activated", "guild_id", guildID, "plan", sub.Plan, "bonus", bonus)
		}
	}

	return nil
}

// IsOperationUnlimited implements credits.SubscriptionSource.
func (r *Registry) IsOperationUnlimited(ctx context.Context, guildID string, op credits.Operation) (bool, error) {
	feature, ok := operationFeature[op]
	if !ok {
		return false, nil
	}
	return r.IsFeatureSubscribed(ctx, guildID, feature)
}

// MonthlyGrant implements credits.SubscriptionSource.
func (r *Registry) MonthlyGrant(ctx context.Context, guildID string) (int, error) {
	status, err := r.HasActiveSubscription(ctx, guildID)
	if err != nil || !status.Subscribed {
		return 0, err
	}
	return planCredits[status.Plan], nil
}

// PlanFeatures returns the entitlement set for display (`/subscription`).
func PlanFeatures(plan string) []Feature {
	return planFeatures[plan]
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
