// internal/relationship/tracker.go
package relationship

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"bri-bot/internal/ai"
	"bri-bot/internal/clock"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Level is the ordinal familiarity scale.
type Level int

const (
	Stranger Level = iota
	Acquaintance
	Friendly
	Friend
	CloseFriend
)

func (l Level) String() string {
	switch l {
	case Stranger:
		return "stranger"
	case Acquaintance:
		return "acquaintance"
	case Friendly:
		return "friendly"
	case Friend:
		return "friend"
	case CloseFriend:
		return "close_friend"
	}
	return "unknown"
}

// Interaction-count thresholds for the base level.
const (
	acquaintanceAt = 10
	friendlyAt     = 30
	friendAt       = 100
)

// Personalization probabilities, gated by level in PersonalizeResponse.
const (
	sharedInterestChance = 0.15
	insideJokeChance     = 0.10
	familiarityChance    = 0.05
)

// humorMarkers pre-filters messages before the inside-joke LLM call. This is a
// cost gate: only obviously-jokey messages are worth a model round trip.
var humorMarkers = regexp.MustCompile(`(?i)\b(lol|lmao|lmfao|rofl|haha+|hehe+)\b|😂|🤣|💀`)

type Tracker struct {
	db        *database.DB
	llm       ai.Client
	log       *zap.SugaredLogger
	clock     clock.Clock
	randFloat func() float64
}

func NewTracker(db *database.DB, llm ai.Client, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		db:        db,
		llm:       llm,
		log:       log,
		clock:     clock.Real{},
		randFloat: rand.Float64,
	}
}

// SetClock and SetRand replace time/randomness. Tests only.
func (t *Tracker) SetClock(c clock.Clock)   { t.clock = c }
func (t *Tracker) SetRand(f func() float64) { t.randFloat = f }

// GetRelationshipLevel returns Stranger for users the bot has never met.
func (t *Tracker) GetRelationshipLevel(ctx context.Context, userID, guildID string) (Level, error) {
	rel, err := t.get(ctx, userID, guildID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Stranger, nil
	}
	if err != nil {
		return Stranger, err
	}
	return Level(rel.Level), nil
}

// UpdateAfterInteraction bumps the interaction count, folds in conversation
// topics from the message and advances the level. The stored level never
// decreases.
func (t *Tracker) UpdateAfterInteraction(ctx context.Context, userID, guildID, message string) (*models.Relationship, error) {
	rel, err := t.get(ctx, userID, guildID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rel = &models.Relationship{
			UserID:  userID,
			GuildID: guildID,
		}
	} else if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	daysSinceLast := 999.0
	if !rel.LastInteraction.IsZero() {
		daysSinceLast = now.Sub(rel.LastInteraction).Hours() / 24
	}

	rel.InteractionCount++
	rel.LastInteraction = now

	t.accumulateTopics(ctx, rel, message)

	level := Level(rel.Level)
	if base := baseLevel(rel.InteractionCount); base > level {
		level = base
	}
	// Fast track: a streak of recent chatter advances one extra step.
	if daysSinceLast < 7 && rel.InteractionCount%5 == 0 && level < CloseFriend {
		level++
	}
	rel.Level = int(level)

	if err := t.db.WithContext(ctx).Save(rel).Error; err != nil {
		return nil, fmt.Errorf("save relationship: %w", err)
	}

	return rel, nil
}

// DetectInsideJoke records a running gag when the message looks like humor and
// the relationship is at least friendly.
func (t *Tracker) DetectInsideJoke(ctx context.Context, userID, guildID, message string) error {
	rel, err := t.get(ctx, userID, guildID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if Level(rel.Level) < Friendly {
		return nil
	}
	if !humorMarkers.MatchString(message) {
		return nil
	}

	var result struct {
		IsJoke    bool   `json:"is_joke"`
		Reference string `json:"reference"`
		Context   string `json:"context"`
	}
	err = t.llm.ChatJSON(ctx,
		`You spot running gags in chat messages. Reply with JSON: {"is_joke": bool, "reference": "short name for the joke", "context": "one sentence of context"}. Only mark is_joke true for something genuinely memorable and repeatable.`,
		message, &result)
	if err != nil {
		// Losing a joke is fine; the conversation continues.
		t.log.Warnw("inside joke detection failed", "guild_id", guildID, "error", err)
		return nil
	}

	if !result.IsJoke || result.Reference == "" {
		return nil
	}

	rel.InsideJokes = append(rel.InsideJokes, models.InsideJoke{
		Reference: result.Reference,
		Context:   result.Context,
		Timestamp: t.clock.Now(),
	})
	if err := t.db.WithContext(ctx).Save(rel).Error; err != nil {
		return fmt.Errorf("save inside joke: %w", err)
	}

	t.log.Infow("inside joke stored", "guild_id", guildID, "user_id", userID, "reference", result.Reference)
	return nil
}

// PersonalizeResponse occasionally rewrites a reply to splice in something the
// bot remembers about the user. Any failure returns the base text unchanged.
func (t *Tracker) PersonalizeResponse(ctx context.Context, userID, guildID, base string) (string, error) {
	rel, err := t.get(ctx, userID, guildID)
	if err != nil {
		return base, nil
	}
	level := Level(rel.Level)

	var instruction string
	switch {
	case level >= Friendly && len(rel.SharedInterests) > 0 && t.randFloat() < sharedInterestChance:
		interest := rel.SharedInterests[t.pick(len(rel.SharedInterests))]
		instruction = fmt.Sprintf("naturally mention your shared interest in %s", interest)
	case level >= Friend && len(rel.InsideJokes) > 0 && t.randFloat() < insideJokeChance:
		joke := rel.InsideJokes[t.pick(len(rel.InsideJokes))]
		instruction = fmt.Sprintf("work in a callback to the running joke %q (%s)", joke.Reference, joke.Context)
	case level >= Acquaintance && t.randFloat() < familiarityChance:
		instruction = "add a small aside acknowledging you two talk pretty often"
	default:
		return base, nil
	}

	rewritten, err := t.llm.Chat(ctx,
		fmt.Sprintf(`Rewrite the reply below keeping its meaning and tone, but %s. Never mention that you were asked to do this. Output only the rewritten reply.`, instruction),
		base)
	if err != nil || strings.TrimSpace(rewritten) == "" {
		if err != nil {
			t.log.Warnw("personalization rewrite failed", "guild_id", guildID, "error", err)
		}
		return base, nil
	}

	return rewritten, nil
}

// AddSharedInterest marks an interest as common ground with the user.
func (t *Tracker) AddSharedInterest(ctx context.Context, userID, guildID, name string) error {
	rel, err := t.get(ctx, userID, guildID)
	if err != nil {
		return err
	}

	for _, existing := range rel.SharedInterests {
		if strings.EqualFold(existing, name) {
			return nil
		}
	}
	rel.SharedInterests = append(rel.SharedInterests, name)

	return t.db.WithContext(ctx).Save(rel).Error
}

// ClearMemories wipes everything the bot knows about a user in a guild. This
// is the only path that ever lowers a level.
func (t *Tracker) ClearMemories(ctx context.Context, userID, guildID string) error {
	err := t.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		Delete(&models.Relationship{}).Error
	if err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	t.log.Infow("memories cleared", "guild_id", guildID, "user_id", userID)
	return nil
}

func (t *Tracker) get(ctx context.Context, userID, guildID string) (*models.Relationship, error) {
	var rel models.Relationship
	err := t.db.WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&rel).Error
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func (t *Tracker) accumulateTopics(ctx context.Context, rel *models.Relationship, message string) {
	if strings.TrimSpace(message) == "" {
		return
	}

	var result struct {
		Topics []string `json:"topics"`
	}
	err := t.llm.ChatJSON(ctx,
		`Extract at most 3 short conversation topics from the message. Reply with JSON: {"topics": ["topic", ...]}. Use lowercase single words or short phrases. Empty list if nothing stands out.`,
		message, &result)
	if err != nil {
		t.log.Warnw("topic extraction failed", "guild_id", rel.GuildID, "error", err)
		return
	}

	topics := rel.ConversationTopics.Data()
	if topics == nil {
		topics = make(map[string]int)
	}
	for i, topic := range result.Topics {
		if i == 3 {
			break
		}
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic == "" {
			continue
		}
		topics[topic]++
	}
	rel.ConversationTopics = datatypes.NewJSONType(topics)
}

// pick converts a [0,1] roll into a valid index for a slice of length n.
func (t *Tracker) pick(n int) int {
	idx := int(t.randFloat() * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func baseLevel(count int) Level {
	switch {
	case count >= friendAt:
		return Friend
	case count >= friendlyAt:
		return Friendly
	case count >= acquaintanceAt:
		return Acquaintance
	}
	return Stranger
}
