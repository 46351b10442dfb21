// internal/credits/ledger.go
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bri-bot/internal/clock"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Operation is a billable feature use.
type Operation string

const (
	OpChat            Operation = "chat"
	OpImageGeneration Operation = "image_generation"
	OpReminder        Operation = "reminder"
	OpScheduling      Operation = "scheduling"
	OpVision          Operation = "vision"
)

// Costs is the canonical cost table. One credit is one chat message.
var Costs = map[Operation]int{
	OpChat:            1,
	OpImageGeneration: 10,
	OpReminder:        2,
	OpScheduling:      3,
	OpVision:          5,
}

// FreeMonthlyAllowance is the free pool every guild gets each month.
const FreeMonthlyAllowance = 100

// Transaction sources accepted by AddCredits.
const (
	SourceUsage        = "usage"
	SourcePurchase     = "purchase"
	SourceFreeMonthly  = "free_monthly"
	SourceSubscription = "subscription"
)

// SubscriptionSource is implemented by the subscription registry. The ledger
// depends on this interface rather than the registry itself because the
// registry also writes bonus deposits back into the ledger.
type SubscriptionSource interface {
	// IsOperationUnlimited reports whether the guild's plan covers op with an
	// unlimited feature flag, making it free.
	IsOperationUnlimited(ctx context.Context, guildID string, op Operation) (bool, error)
	// MonthlyGrant returns the active plan's fixed monthly subscription-pool
	// size, or 0 when the guild has no active subscription.
	MonthlyGrant(ctx context.Context, guildID string) (int, error)
}

type Ledger struct {
	db    *database.DB
	log   *zap.SugaredLogger
	subs  SubscriptionSource
	clock clock.Clock
}

func NewLedger(db *database.DB, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		db:    db,
		log:   log,
		clock: clock.Real{},
	}
}

// SetSubscriptionSource wires the registry in after construction; the registry
// needs the ledger first for its activation bonus deposits.
func (l *Ledger) SetSubscriptionSource(subs SubscriptionSource) {
	l.subs = subs
}

// SetClock replaces the clock. Tests only.
func (l *Ledger) SetClock(c clock.Clock) { l.clock = c }

// GetServerCredits loads a guild's balance row, creating it with the free
// allowance on first access.
func (l *Ledger) GetServerCredits(ctx context.Context, guildID string) (*models.ServerCredits, error) {
	var sc models.ServerCredits
	err := l.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&sc).Error
	if err == nil {
		return &sc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load server credits: %w", err)
	}

	now := l.clock.Now()
	sc = models.ServerCredits{
		GuildID:          guildID,
		FreeCredits:      FreeMonthlyAllowance,
		RemainingCredits: FreeMonthlyAllowance,
		LastFreeRefresh:  now,
		NextFreeRefresh:  firstOfNextMonth(now),
	}
	if err := l.db.WithContext(ctx).Create(&sc).Error; err != nil {
		return nil, fmt.Errorf("create server credits: %w", err)
	}
	l.recordTransaction(ctx, guildID, FreeMonthlyAllowance, SourceFreeMonthly, "", "")
	l.log.Infow("created credit row", "guild_id", guildID, "free_credits", FreeMonthlyAllowance)

	return &sc, nil
}

// HasEnoughCredits reports whether the guild can afford op. Operations covered
// by an unlimited subscription feature are always affordable.
func (l *Ledger) HasEnoughCredits(ctx context.Context, guildID string, op Operation) (bool, error) {
	cost, ok := Costs[op]
	if !ok {
		return false, fmt.Errorf("unknown operation %q", op)
	}

	if unlimited, err := l.isUnlimited(ctx, guildID, op); err == nil && unlimited {
		return true, nil
	}

	sc, err := l.GetServerCredits(ctx, guildID)
	if err != nil {
		return false, err
	}
	return sc.RemainingCredits >= cost, nil
}

// UseCredits debits op's cost. It returns false (with no error) when the guild
// cannot afford the operation; callers surface the balance to the user.
// Debit order is fixed: free pool, then subscription, then purchased, so paid
// credits survive longest.
func (l *Ledger) UseCredits(ctx context.Context, guildID string, op Operation) (bool, error) {
	cost, ok := Costs[op]
	if !ok {
		return false, fmt.Errorf("unknown operation %q", op)
	}

	if unlimited, err := l.isUnlimited(ctx, guildID, op); err == nil && unlimited {
		return true, nil
	}

	sc, err := l.GetServerCredits(ctx, guildID)
	if err != nil {
		return false, err
	}
	if sc.RemainingCredits < cost {
		return false, nil
	}

	remaining := cost
	remaining -= drainPool(sc.FreeCredits, &sc.FreeUsedCredits, remaining)
	remaining -= drainPool(sc.SubscriptionCredits, &sc.SubscriptionUsedCredits, remaining)
	remaining -= drainPool(sc.PurchasedCredits, &sc.PurchasedUsedCredits, remaining)
	if remaining > 0 {
		// Pools and remaining_credits disagree; fail closed rather than
		// overdraw.
		l.log.Errorw("credit pools out of sync", "guild_id", guildID, "unpaid", remaining)
		return false, nil
	}

	sc.TotalUsedCredits += cost
	l.recalc(sc)

	if err := l.db.WithContext(ctx).Save(sc).Error; err != nil {
		return false, fmt.Errorf("save credit debit: %w", err)
	}
	l.recordTransaction(ctx, guildID, -cost, SourceUsage, string(op), "")

	return true, nil
}

// AddCredits deposits amount into the pool named by source.
func (l *Ledger) AddCredits(ctx context.Context, guildID string, amount int, source string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	sc, err := l.GetServerCredits(ctx, guildID)
	if err != nil {
		return err
	}

	switch source {
	case SourcePurchase:
		sc.PurchasedCredits += amount
	case SourceSubscription:
		sc.SubscriptionCredits += amount
	case SourceFreeMonthly:
		sc.FreeCredits += amount
	default:
		return fmt.Errorf("unknown credit source %q", source)
	}
	l.recalc(sc)

	if err := l.db.WithContext(ctx).Save(sc).Error; err != nil {
		return fmt.Errorf("save credit deposit: %w", err)
	}
	l.recordTransaction(ctx, guildID, amount, source, "", "")
	l.log.Infow("credits added", "guild_id", guildID, "amount", amount, "source", source)

	return nil
}

// AddPurchasedCredits is AddCredits with a payment id recorded for the audit log.
func (l *Ledger) AddPurchasedCredits(ctx context.Context, guildID string, amount int, paymentID string) error {
	sc, err := l.GetServerCredits(ctx, guildID)
	if err != nil {
		return err
	}

	sc.PurchasedCredits += amount
	l.recalc(sc)

	if err := l.db.WithContext(ctx).Save(sc).Error; err != nil {
		return fmt.Errorf("save credit purchase: %w", err)
	}
	l.recordTransaction(ctx, guildID, amount, SourcePurchase, "", paymentID)

	return nil
}

// RunMonthlyRefill resets every due guild's free pool to the allowance and the
// subscription pool to the plan's fixed grant. The sweep runs daily and is
// idempotent: rows are only touched while next_free_refresh has passed.
func (l *Ledger) RunMonthlyRefill(ctx context.Context) error {
	now := l.clock.Now()

	var due []models.ServerCredits
	if err := l.db.WithContext(ctx).Where("next_free_refresh <= ?", now).Find(&due).Error; err != nil {
		return fmt.Errorf("load due refills: %w", err)
	}

	for i := range due {
		sc := &due[i]

		freeDelta := FreeMonthlyAllowance - (sc.FreeCredits - sc.FreeUsedCredits)
		sc.FreeCredits = FreeMonthlyAllowance
		sc.FreeUsedCredits = 0

		// Subscription pool is not carried over: it resets to the plan's
		// fixed value, or drains to zero without an active plan.
		grant := 0
		if l.subs != nil {
			g, err := l.subs.MonthlyGrant(ctx, sc.GuildID)
			if err != nil {
				l.log.Errorw("monthly grant lookup failed", "guild_id", sc.GuildID, "error", err)
			} else {
				grant = g
			}
		}
		subDelta := grant - (sc.SubscriptionCredits - sc.SubscriptionUsedCredits)
		sc.SubscriptionCredits = grant
		sc.SubscriptionUsedCredits = 0

		sc.LastFreeRefresh = now
		sc.NextFreeRefresh = firstOfNextMonth(now)
		l.recalc(sc)

		if err := l.db.WithContext(ctx).Save(sc).Error; err != nil {
			l.log.Errorw("refill save failed", "guild_id", sc.GuildID, "error", err)
			continue
		}
		// The audit log records what the sweep actually changed, per pool.
		if freeDelta != 0 {
			l.recordTransaction(ctx, sc.GuildID, freeDelta, SourceFreeMonthly, "", "")
		}
		if subDelta != 0 {
			l.recordTransaction(ctx, sc.GuildID, subDelta, SourceSubscription, "", "")
		}
		l.log.Infow("monthly refill applied", "guild_id", sc.GuildID, "subscription_grant", grant)
	}

	return nil
}

// InsufficientMessage is the user-facing denial text.
func InsufficientMessage(sc *models.ServerCredits, op Operation) string {
	return fmt.Sprintf(
		"not enough credits for %s: costs %d, you have %d remaining. Use `/credits info` to see how to get more!",
		op, Costs[op], sc.RemainingCredits)
}

func (l *Ledger) isUnlimited(ctx context.Context, guildID string, op Operation) (bool, error) {
	if l.subs == nil {
		return false, nil
	}
	unlimited, err := l.subs.IsOperationUnlimited(ctx, guildID, op)
	if err != nil {
		// Fail closed: an unreadable subscription never grants free use.
		l.log.Errorw("unlimited check failed", "guild_id", guildID, "op", op, "error", err)
		return false, err
	}
	return unlimited, nil
}

// recalc restores the remaining_credits invariant after pool mutations.
func (l *Ledger) recalc(sc *models.ServerCredits) {
	sc.RemainingCredits = (sc.FreeCredits + sc.SubscriptionCredits + sc.PurchasedCredits) -
		(sc.FreeUsedCredits + sc.SubscriptionUsedCredits + sc.PurchasedUsedCredits)
}

func (l *Ledger) recordTransaction(ctx context.Context, guildID string, amount int, txType, feature, paymentID string) {
	tx := models.CreditTransaction{
		GuildID:         guildID,
		Amount:          amount,
		TransactionType: txType,
		FeatureType:     feature,
		PaymentID:       paymentID,
	}
	if err := l.db.WithContext(ctx).Create(&tx).Error; err != nil {
		// The audit log is best-effort; the balance row is the source of truth.
		l.log.Errorw("transaction log write failed", "guild_id", guildID, "error", err)
	}
}

// drainPool debits up to want from a pool, returning how much it took.
func drainPool(total int, used *int, want int) int {
	avail := total - *used
	if avail <= 0 || want <= 0 {
		return 0
	}
	take := want
	if take > avail {
		take = avail
	}
	*used += take
	return take
}

func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
}
