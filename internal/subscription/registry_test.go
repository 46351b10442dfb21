package subscription

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bri-bot/internal/clock"
	"bri-bot/internal/credits"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	reg    *Registry
	ledger *credits.Ledger
	db     *database.DB
	clock  *clock.Mock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&models.ServerCredits{},
		&models.CreditTransaction{},
		&models.ServerSubscription{},
	))
	db := &database.DB{DB: gormDB}

	mock := &clock.Mock{Current: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	log := zap.NewNop().Sugar()

	ledger := credits.NewLedger(db, log)
	ledger.SetClock(mock)

	reg := NewRegistry(db, ledger, log)
	reg.SetClock(mock)
	ledger.SetSubscriptionSource(reg)

	return testEnv{reg: reg, ledger: ledger, db: db, clock: mock}
}

func TestHasActiveSubscription_NoRow(t *testing.T) {
	env := newTestEnv(t)

	status, err := env.reg.HasActiveSubscription(context.Background(), "guild1")
	require.NoError(t, err)
	assert.False(t, status.Subscribed)
}

func TestHasActiveSubscription_ExpiredPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{
		Plan:             PlanPremium,
		Status:           "active",
		CurrentPeriodEnd: env.clock.Current.Add(24 * time.Hour).Unix(),
	}))

	status, err := env.reg.HasActiveSubscription(ctx, "guild1")
	require.NoError(t, err)
	assert.True(t, status.Subscribed)
	assert.Equal(t, PlanPremium, status.Plan)

	env.clock.Advance(48 * time.Hour)

	status, err = env.reg.HasActiveSubscription(ctx, "guild1")
	require.NoError(t, err)
	assert.False(t, status.Subscribed)
}

func TestFeatureSupersetChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		plan    string
		feature Feature
		want    bool
	}{
		{PlanStandard, FeatureJournaling, true},
		{PlanStandard, FeatureUnlimitedReminders, false},
		{PlanPremium, FeatureJournaling, true},
		{PlanPremium, FeatureUnlimitedReminders, true},
		{PlanPremium, FeatureUnlimitedVision, false},
		{PlanEnterprise, FeatureUnlimitedVision, true},
		{PlanEnterprise, FeatureCustomPrompt, true},
	}

	for i, tc := range cases {
		guild := "guild" + string(rune('a'+i))
		require.NoError(t, env.reg.UpdateServerSubscription(ctx, guild, Update{Plan: tc.plan, Status: "active"}))

		got, err := env.reg.IsFeatureSubscribed(ctx, guild, tc.feature)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "plan %s feature %s", tc.plan, tc.feature)
	}
}

func TestActivationBonus_GrantedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{Plan: PlanPremium, Status: "active"}))

	sc, err := env.ledger.GetServerCredits(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, 1500, sc.SubscriptionCredits)

	// Re-sending active state (renewal webhook) must not double-grant.
	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{Plan: PlanPremium, Status: "active"}))

	sc, err = env.ledger.GetServerCredits(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, 1500, sc.SubscriptionCredits)
}

func TestActivationBonus_ReactivationGrantsAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{Plan: PlanStandard, Status: "active"}))
	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{Plan: PlanStandard, Status: "inactive"}))
	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{Plan: PlanStandard, Status: "active"}))

	sc, err := env.ledger.GetServerCredits(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, 1000, sc.SubscriptionCredits)
}

func TestIsOperationUnlimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.UpdateServerSubscription(ctx, "guild1", Update{Plan: PlanEnterprise, Status: "active"}))

	unlimited, err := env.reg.IsOperationUnlimited(ctx, "guild1", credits.OpVision)
	require.NoError(t, err)
	assert.True(t, unlimited)

	// Chat is always metered, whatever the plan.
	unlimited, err = env.reg.IsOperationUnlimited(ctx, "guild1", credits.OpChat)
	require.NoError(t, err)
	assert.False(t, unlimited)

	// Through the ledger: vision use is free and leaves the balance alone.
	before, err := env.ledger.GetServerCredits(ctx, "guild1")
	require.NoError(t, err)
	ok, err := env.ledger.UseCredits(ctx, "guild1", credits.OpVision)
	require.NoError(t, err)
	assert.True(t, ok)
	after, err := env.ledger.GetServerCredits(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, before.RemainingCredits, after.RemainingCredits)
}

func TestWebhook_CreditsPurchase(t *testing.T) {
	env := newTestEnv(t)
	handler := NewWebhookHandler(env.ledger, env.reg, zap.NewNop().Sugar())

	body := `{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_123",
			"metadata": {"guild_id": "guild1"},
			"line_items": {"data": [
				{"quantity": 2, "price": {"id": "price_bri_credits_100"}},
				{"quantity": 1, "price": {"id": "price_unknown"}}
			]}
		}}
	}`

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)

	sc, err := env.ledger.GetServerCredits(context.Background(), "guild1")
	require.NoError(t, err)
	assert.Equal(t, 200, sc.PurchasedCredits)

	var tx models.CreditTransaction
	require.NoError(t, env.db.Where("payment_id = ?", "cs_test_123").First(&tx).Error)
	assert.Equal(t, 200, tx.Amount)
	assert.Equal(t, "purchase", tx.TransactionType)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	handler := NewWebhookHandler(env.ledger, env.reg, zap.NewNop().Sugar())
	ctx := context.Background()

	created := `{
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_test_1",
			"customer": "cus_test_1",
			"status": "active",
			"current_period_end": ` + periodEnd(env, 30) + `,
			"metadata": {"guild_id": "guild1"},
			"items": {"data": [{"price": {"id": "price_bri_premium_monthly"}}]}
		}}
	}`
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(created))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	status, err := env.reg.HasActiveSubscription(ctx, "guild1")
	require.NoError(t, err)
	assert.True(t, status.Subscribed)
	assert.Equal(t, PlanPremium, status.Plan)

	sc, err := env.ledger.GetServerCredits(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, 1500, sc.SubscriptionCredits)

	// Deletion events carry no items; the stored plan is kept, status flips.
	deleted := `{
		"type": "customer.subscription.deleted",
		"data": {"object": {
			"id": "sub_test_1",
			"metadata": {"guild_id": "guild1"},
			"items": {"data": []}
		}}
	}`
	req = httptest.NewRequest("POST", "/webhook", strings.NewReader(deleted))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	status, err = env.reg.HasActiveSubscription(ctx, "guild1")
	require.NoError(t, err)
	assert.False(t, status.Subscribed)
}

func TestWebhook_IgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	handler := NewWebhookHandler(env.ledger, env.reg, zap.NewNop().Sugar())

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"type":"invoice.paid","data":{"object":{}}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func periodEnd(env testEnv, days int) string {
	return fmt.Sprintf("%d", env.clock.Current.AddDate(0, 0, days).Unix())
}
