package relationship

import (
	"context"
	"encoding/json"
	"strings"
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

// fakeLLM answers topic and joke prompts with canned payloads and counts calls.
type fakeLLM struct {
	topics    []string
	joke      map[string]interface{}
	chatReply string

	topicCalls int
	jokeCalls  int
	chatCalls  int
}

func (f *fakeLLM) Chat(_ context.Context, _, _ string) (string, error) {
	f.chatCalls++
	return f.chatReply, nil
}

func (f *fakeLLM) ChatJSON(_ context.Context, system, _ string, out interface{}) error {
	var payload interface{}
	if strings.Contains(system, "conversation topics") {
		f.topicCalls++
		payload = map[string]interface{}{"topics": f.topics}
	} else {
		f.jokeCalls++
		payload = f.joke
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeLLM) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestTracker(t *testing.T) (*Tracker, *fakeLLM, *clock.Mock) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&models.Relationship{}))

	llm := &fakeLLM{}
	mock := &clock.Mock{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	tracker := NewTracker(&database.DB{DB: gormDB}, llm, zap.NewNop().Sugar())
	tracker.SetClock(mock)
	tracker.SetRand(func() float64 { return 0.99 })

	return tracker, llm, mock
}

func TestLevelThresholds_Monotonic(t *testing.T) {
	tracker, _, mock := newTestTracker(t)
	ctx := context.Background()

	prev := Stranger
	for i := 1; i <= 105; i++ {
		// Eight days between messages keeps the fast track out of the way.
		mock.Advance(8 * 24 * time.Hour)

		rel, err := tracker.UpdateAfterInteraction(ctx, "user1", "guild1", "hi")
		require.NoError(t, err)

		level := Level(rel.Level)
		assert.GreaterOrEqual(t, level, prev, "level decreased at interaction %d", i)
		prev = level

		switch {
		case i < 10:
			assert.Equal(t, Stranger, level, "interaction %d", i)
		case i < 30:
			assert.Equal(t, Acquaintance, level, "interaction %d", i)
		case i < 100:
			assert.Equal(t, Friendly, level, "interaction %d", i)
		default:
			assert.Equal(t, Friend, level, "interaction %d", i)
		}
	}
}

func TestFastTrack_AdvancesEarly(t *testing.T) {
	tracker, _, mock := newTestTracker(t)
	ctx := context.Background()

	// Five messages inside a week: the fifth fast-tracks past the
	// ten-interaction threshold.
	var level Level
	for i := 1; i <= 5; i++ {
		mock.Advance(time.Hour)
		rel, err := tracker.UpdateAfterInteraction(ctx, "user1", "guild1", "hey!")
		require.NoError(t, err)
		level = Level(rel.Level)
	}
	assert.Equal(t, Acquaintance, level)
}

func TestFastTrack_CapsAtCloseFriend(t *testing.T) {
	tracker, _, mock := newTestTracker(t)
	ctx := context.Background()

	for i := 1; i <= 200; i++ {
		mock.Advance(time.Hour)
		rel, err := tracker.UpdateAfterInteraction(ctx, "user1", "guild1", "hey")
		require.NoError(t, err)
		assert.LessOrEqual(t, Level(rel.Level), CloseFriend)
	}

	level, err := tracker.GetRelationshipLevel(ctx, "user1", "guild1")
	require.NoError(t, err)
	assert.Equal(t, CloseFriend, level)
}

func TestTopicAccumulation(t *testing.T) {
	tracker, llm, mock := newTestTracker(t)
	ctx := context.Background()
	llm.topics = []string{"space", "music"}

	for i := 0; i < 3; i++ {
		mock.Advance(time.Hour)
		_, err := tracker.UpdateAfterInteraction(ctx, "user1", "guild1", "talking about space and music")
		require.NoError(t, err)
	}

	var rel models.Relationship
	require.NoError(t, tracker.db.Where("user_id = ?", "user1").First(&rel).Error)
	topics := rel.ConversationTopics.Data()
	assert.Equal(t, 3, topics["space"])
	assert.Equal(t, 3, topics["music"])
}

func TestInsideJoke_RegexGateSkipsLLM(t *testing.T) {
	tracker, llm, _ := newTestTracker(t)
	ctx := context.Background()

	seed := &models.Relationship{UserID: "user1", GuildID: "guild1", Level: int(Friendly)}
	require.NoError(t, tracker.db.Create(seed).Error)

	require.NoError(t, tracker.DetectInsideJoke(ctx, "user1", "guild1", "what is the homework for tomorrow"))
	assert.Zero(t, llm.jokeCalls)

	llm.joke = map[string]interface{}{"is_joke": true, "reference": "the cheese incident", "context": "someone dropped a whole wheel of brie"}
	require.NoError(t, tracker.DetectInsideJoke(ctx, "user1", "guild1", "lmao the cheese incident strikes again"))
	assert.Equal(t, 1, llm.jokeCalls)

	var rel models.Relationship
	require.NoError(t, tracker.db.Where("user_id = ?", "user1").First(&rel).Error)
	require.Len(t, rel.InsideJokes, 1)
	assert.Equal(t, "the cheese incident", rel.InsideJokes[0].Reference)
}

func TestInsideJoke_LevelGate(t *testing.T) {
	tracker, llm, _ := newTestTracker(t)
	ctx := context.Background()

	seed := &models.Relationship{UserID: "user1", GuildID: "guild1", Level: int(Acquaintance)}
	require.NoError(t, tracker.db.Create(seed).Error)

	require.NoError(t, tracker.DetectInsideJoke(ctx, "user1", "guild1", "lol that was great"))
	assert.Zero(t, llm.jokeCalls)
}

func TestPersonalizeResponse(t *testing.T) {
	tracker, llm, _ := newTestTracker(t)
	ctx := context.Background()

	seed := &models.Relationship{UserID: "user1", GuildID: "guild1", Level: int(Friendly)}
	require.NoError(t, tracker.db.Create(seed).Error)
	require.NoError(t, tracker.AddSharedInterest(ctx, "user1", "guild1", "astronomy"))

	// High roll: no personalization, base text untouched, no LLM call.
	out, err := tracker.PersonalizeResponse(ctx, "user1", "guild1", "sounds good!")
	require.NoError(t, err)
	assert.Equal(t, "sounds good!", out)
	assert.Zero(t, llm.chatCalls)

	// Low roll: the shared-interest path rewrites via the LLM.
	tracker.SetRand(func() float64 { return 0.0 })
	llm.chatReply = "sounds good! btw did you catch the meteor shower?"
	out, err = tracker.PersonalizeResponse(ctx, "user1", "guild1", "sounds good!")
	require.NoError(t, err)
	assert.Equal(t, llm.chatReply, out)
	assert.Equal(t, 1, llm.chatCalls)
}

func TestPick_StaysInBounds(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	// A roll at the top of the range must still land on the last index.
	tracker.SetRand(func() float64 { return 1.0 })
	assert.Equal(t, 2, tracker.pick(3))
	assert.Equal(t, 0, tracker.pick(1))

	tracker.SetRand(func() float64 { return 0.0 })
	assert.Equal(t, 0, tracker.pick(3))
}

func TestPersonalizeResponse_UnknownUserReturnsBase(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	out, err := tracker.PersonalizeResponse(context.Background(), "ghost", "guild1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestClearMemories(t *testing.T) {
	tracker, _, mock := newTestTracker(t)
	ctx := context.Background()

	mock.Advance(time.Hour)
	_, err := tracker.UpdateAfterInteraction(ctx, "user1", "guild1", "hello")
	require.NoError(t, err)

	require.NoError(t, tracker.ClearMemories(ctx, "user1", "guild1"))

	level, err := tracker.GetRelationshipLevel(ctx, "user1", "guild1")
	require.NoError(t, err)
	assert.Equal(t, Stranger, level)
}
