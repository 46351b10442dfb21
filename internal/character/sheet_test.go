package character

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bri-bot/internal/clock"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeLLM struct {
	extraction map[string]interface{}
}

func (f *fakeLLM) Chat(_ context.Context, _, _ string) (string, error) { return "", nil }

func (f *fakeLLM) ChatJSON(_ context.Context, _, _ string, out interface{}) error {
	raw, err := json.Marshal(f.extraction)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeLLM) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestService(t *testing.T) (*Service, *fakeLLM, *clock.Mock) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&models.CharacterSheet{}))

	llm := &fakeLLM{}
	mock := &clock.Mock{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(&database.DB{DB: gormDB}, llm, zap.NewNop().Sugar())
	svc.SetClock(mock)

	return svc, llm, mock
}

func TestGet_CreatesDefaultSheet(t *testing.T) {
	svc, _, _ := newTestService(t)

	sheet, err := svc.Get(context.Background(), "guild1")
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, sheet.SchemaVersion)
	assert.Equal(t, "Bri", sheet.Name)
	assert.Equal(t, 14, sheet.Age)

	var row models.CharacterSheet
	require.NoError(t, svc.db.Where("guild_id = ?", "guild1").First(&row).Error)
}

func TestMigrate_LiftsLegacyDocument(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	legacy := []byte(`{
		"name": "Bri",
		"age": 13,
		"grade": 8,
		"family": {"Dana": "mom"},
		"friends": ["Maya", "Jordan"],
		"pets": {"Waffles": "dog"},
		"hobbies": ["skating"],
		"events": [
			{"name": "school dance", "date": "2025-06-20"},
			{"name": "spring break", "date": "2025-03-10"}
		]
	}`)

	sheet, err := Migrate(legacy, now)
	require.NoError(t, err)

	assert.Equal(t, currentSchemaVersion, sheet.SchemaVersion)
	assert.Equal(t, 13, sheet.Age)
	require.Len(t, sheet.Friends, 2)
	assert.Equal(t, 2, sheet.Friends[0].Closeness)
	require.Len(t, sheet.Hobbies, 1)

	// Dated events split around now.
	require.Len(t, sheet.UpcomingEvents, 1)
	assert.Equal(t, "school dance", sheet.UpcomingEvents[0].Name)
	require.Len(t, sheet.PastEvents, 1)
	assert.Equal(t, "spring break", sheet.PastEvents[0].Name)
}

func TestMigrate_PassesThroughCurrentVersion(t *testing.T) {
	now := time.Now()
	orig := DefaultSheet()
	orig.Age = 15
	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	sheet, err := Migrate(raw, now)
	require.NoError(t, err)
	assert.Equal(t, 15, sheet.Age)
}

func TestGet_MigratesStoredLegacyRow(t *testing.T) {
	svc, _, _ := newTestService(t)

	row := models.CharacterSheet{
		GuildID:  "guild1",
		Document: []byte(`{"name": "Bri", "age": 13, "grade": 8, "friends": ["Maya"]}`),
	}
	require.NoError(t, svc.db.Create(&row).Error)

	sheet, err := svc.Get(context.Background(), "guild1")
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, sheet.SchemaVersion)
	assert.Equal(t, 13, sheet.Age)

	// The migrated document is written back.
	var after models.CharacterSheet
	require.NoError(t, svc.db.Where("guild_id = ?", "guild1").First(&after).Error)
	migrated, err := Migrate(after.Document, time.Now())
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, migrated.SchemaVersion)
}

func TestGet_CurrentVersionRowIsNotRewritten(t *testing.T) {
	svc, _, _ := newTestService(t)

	// Key order differs from marshal output, the way jsonb normalization
	// reorders stored documents. Reading must not turn that into a save.
	doc := []byte(`{"age": 14, "schema_version": 2, "name": "Bri", "grade": 9}`)
	require.NoError(t, svc.db.Create(&models.CharacterSheet{GuildID: "guild1", Document: doc}).Error)

	sheet, err := svc.Get(context.Background(), "guild1")
	require.NoError(t, err)
	assert.Equal(t, 14, sheet.Age)

	var after models.CharacterSheet
	require.NoError(t, svc.db.Where("guild_id = ?", "guild1").First(&after).Error)
	assert.Equal(t, string(doc), string(after.Document))
}

func TestExtractFromJournal_MergesFacts(t *testing.T) {
	svc, llm, mock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "guild1")
	require.NoError(t, err)

	llm.extraction = map[string]interface{}{
		"friends": []string{"Maya"},
		"hobbies": []string{"skating"},
		"upcoming_events": []map[string]string{
			{"name": "science fair", "date": "2025-07-01"},
		},
	}
	require.NoError(t, svc.ExtractFromJournal(ctx, "guild1", "hung out with maya at the skate park, science fair soon"))

	sheet, err := svc.Get(ctx, "guild1")
	require.NoError(t, err)
	require.Len(t, sheet.Friends, 1)
	assert.Equal(t, "Maya", sheet.Friends[0].Name)
	assert.Equal(t, minCloseness, sheet.Friends[0].Closeness)
	require.Len(t, sheet.Hobbies, 1)
	require.Len(t, sheet.UpcomingEvents, 1)

	// A re-mention climbs one closeness step and never duplicates the entry.
	mock.Advance(24 * time.Hour)
	require.NoError(t, svc.ExtractFromJournal(ctx, "guild1", "maya again"))

	sheet, err = svc.Get(ctx, "guild1")
	require.NoError(t, err)
	require.Len(t, sheet.Friends, 1)
	assert.Equal(t, minCloseness+1, sheet.Friends[0].Closeness)
	require.Len(t, sheet.UpcomingEvents, 1)
}

func TestAgeDaily_BirthdayAndGrade(t *testing.T) {
	svc, _, mock := newTestService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "guild1")
	require.NoError(t, err)

	// June 15th is the birthday.
	mock.Current = time.Date(2025, 6, 15, 6, 0, 0, 0, time.UTC)
	require.NoError(t, svc.AgeDaily(ctx))

	sheet, err := svc.Get(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, 15, sheet.Age)
	assert.Equal(t, 9, sheet.Grade)

	mock.Current = time.Date(2025, 9, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, svc.AgeDaily(ctx))

	sheet, err = svc.Get(ctx, "guild1")
	require.NoError(t, err)
	assert.Equal(t, 15, sheet.Age)
	assert.Equal(t, 10, sheet.Grade)
}

func TestAgeDaily_EventArchival(t *testing.T) {
	svc, _, mock := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Update(ctx, "guild1", func(sheet *SheetV2) {
		sheet.UpcomingEvents = []Event{
			{Name: "school dance", Date: mock.Current.Add(-24 * time.Hour)},
			{Name: "camping trip", Date: mock.Current.AddDate(0, 0, 10)},
		}
		sheet.RecentEvents = []Event{
			{Name: "spring break", Date: mock.Current.AddDate(0, 0, -45)},
		}
	}))

	require.NoError(t, svc.AgeDaily(ctx))

	sheet, err := svc.Get(ctx, "guild1")
	require.NoError(t, err)

	require.Len(t, sheet.UpcomingEvents, 1)
	assert.Equal(t, "camping trip", sheet.UpcomingEvents[0].Name)
	require.Len(t, sheet.RecentEvents, 1)
	assert.Equal(t, "school dance", sheet.RecentEvents[0].Name)
	require.Len(t, sheet.PastEvents, 1)
	assert.Equal(t, "spring break", sheet.PastEvents[0].Name)
}

func TestAgeDaily_FriendAndHobbyDecay(t *testing.T) {
	svc, _, mock := newTestService(t)
	ctx := context.Background()

	stale := mock.Current.AddDate(0, 0, -90)
	fresh := mock.Current.AddDate(0, 0, -5)
	require.NoError(t, svc.Update(ctx, "guild1", func(sheet *SheetV2) {
		sheet.Friends = []Friend{
			{Name: "Maya", Closeness: 3, LastMentioned: stale},
			{Name: "Jordan", Closeness: 3, LastMentioned: fresh},
			{Name: "Sam", Closeness: minCloseness, LastMentioned: stale},
		}
		sheet.Hobbies = []Hobby{
			{Name: "skating", InterestLevel: 4, LastDiscussed: stale},
			{Name: "guitar", InterestLevel: 4, LastDiscussed: fresh},
		}
	}))

	require.NoError(t, svc.AgeDaily(ctx))

	sheet, err := svc.Get(ctx, "guild1")
	require.NoError(t, err)

	assert.Equal(t, 2, sheet.Friends[0].Closeness, "stale friendship decays")
	assert.Equal(t, 3, sheet.Friends[1].Closeness, "fresh friendship holds")
	assert.Equal(t, minCloseness, sheet.Friends[2].Closeness, "floor holds")
	assert.Equal(t, 3, sheet.Hobbies[0].InterestLevel)
	assert.Equal(t, 4, sheet.Hobbies[1].InterestLevel)
}

func TestSummary_IncludesCoreFacts(t *testing.T) {
	sheet := DefaultSheet()
	sheet.Friends = []Friend{{Name: "Maya", Closeness: 3}}
	sheet.Hobbies = []Hobby{{Name: "skating", InterestLevel: 4}}

	summary := sheet.Summary()
	assert.Contains(t, summary, "Bri")
	assert.Contains(t, summary, "Maya")
	assert.Contains(t, summary, "skating")
	assert.Contains(t, summary, "Waffles") // pets come from the default sheet
}
