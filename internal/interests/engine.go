// internal/interests/engine.go
package interests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"bri-bot/internal/ai"
	"bri-bot/internal/clock"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Promotion thresholds: a staged topic becomes a tracked interest once any
// one of these fires. Exactly at the threshold, not before.
const (
	mentionPromoteAt   = 3
	distinctPromoteAt  = 2
	enthusiasmPromote  = 0.92
	similarityFloor    = 0.7
	maxGuildLevel      = 5
	defaultShareChance = 0.5
)

// greetingRe classifies personal/greeting-style messages, which get the
// volunteered-content path instead of the vector lookup.
var greetingRe = regexp.MustCompile(`(?i)\b(hi|hey|hello|yo|sup|good (morning|evening|afternoon)|how are you|what'?s up|how'?s it going)\b`)

// Content is something the persona wants to bring up on its own.
type Content struct {
	Type          string // "interest" | "storyline"
	Interest      *models.Interest
	GuildInterest *models.GuildInterest
	Storyline     *models.Storyline
}

// interestMatcher is the vector lookup behind topical sharing. *database.DB
// implements it; tests substitute a stub since the `<->` operator only exists
// on Postgres.
type interestMatcher interface {
	MatchInterests(embedding []float32, guildID string, limit int) ([]models.Interest, error)
}

type Engine struct {
	db        *database.DB
	llm       ai.Client
	log       *zap.SugaredLogger
	clock     clock.Clock
	randFloat func() float64
	matcher   interestMatcher
}

func NewEngine(db *database.DB, llm ai.Client, log *zap.SugaredLogger) *Engine {
	return &Engine{
		db:        db,
		llm:       llm,
		log:       log,
		clock:     clock.Real{},
		randFloat: rand.Float64,
		matcher:   db,
	}
}

// SetClock, SetRand and SetMatcher replace time, randomness and the vector
// lookup. Tests only.
func (e *Engine) SetClock(c clock.Clock)       { e.clock = c }
func (e *Engine) SetRand(f func() float64)     { e.randFloat = f }
func (e *Engine) SetMatcher(m interestMatcher) { e.matcher = m }

type detectedInterest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Enthusiasm  float64  `json:"enthusiasm"`
	Facts       []string `json:"facts"`
}

// AnalyzeConversation runs interest detection over a batch of recent user
// messages, stages candidates and promotes any that cross a threshold.
// Returns true when at least one promotion happened.
func (e *Engine) AnalyzeConversation(ctx context.Context, userID, guildID, conversation string) (bool, error) {
	if strings.TrimSpace(conversation) == "" {
		return false, nil
	}

	var result struct {
		Interests []detectedInterest `json:"interests"`
	}
	err := e.llm.ChatJSON(ctx,
		`You detect topics a chat participant seems genuinely interested in. Reply with JSON: {"interests": [{"name": "short lowercase topic", "description": "one sentence", "enthusiasm": 0.0-1.0, "facts": ["thing they said about it"]}]}. Enthusiasm is how excited they sound about the topic, not how often it appears. Empty list if nothing qualifies.`,
		conversation, &result)
	if err != nil {
		var malformed *ai.MalformedOutputError
		if errors.As(err, &malformed) {
			e.log.Warnw("interest detection output malformed", "guild_id", guildID)
			return false, nil
		}
		return false, fmt.Errorf("interest detection: %w", err)
	}

	promoted := false
	for _, cand := range result.Interests {
		name := strings.ToLower(strings.TrimSpace(cand.Name))
		if name == "" {
			continue
		}

		tracked, err := e.touchTracked(ctx, guildID, name)
		if err != nil {
			e.log.Errorw("tracked interest lookup failed", "guild_id", guildID, "name", name, "error", err)
			continue
		}
		if tracked {
			continue
		}

		didPromote, err := e.stageAndMaybePromote(ctx, userID, guildID, name, cand)
		if err != nil {
			e.log.Errorw("interest staging failed", "guild_id", guildID, "name", name, "error", err)
			continue
		}
		promoted = promoted || didPromote
	}

	return promoted, nil
}

// touchTracked updates last_discussed for an already-tracked guild interest,
// nudging its level up when the topic keeps coming back.
func (e *Engine) touchTracked(ctx context.Context, guildID, name string) (bool, error) {
	var interest models.Interest
	err := e.db.WithContext(ctx).Where("name = ?", name).First(&interest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var gi models.GuildInterest
	err = e.db.WithContext(ctx).
		Where("guild_id = ? AND interest_id = ?", guildID, interest.ID).
		First(&gi).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := e.clock.Now()
	// A topic resurfacing after a quiet week deepens the persona's investment.
	if gi.Level < maxGuildLevel && now.Sub(gi.LastDiscussed).Hours() >= 7*24 {
		gi.Level++
	}
	gi.LastDiscussed = now
	if err := e.db.WithContext(ctx).Save(&gi).Error; err != nil {
		return true, err
	}

	return true, nil
}

func (e *Engine) stageAndMaybePromote(ctx context.Context, userID, guildID, name string, cand detectedInterest) (bool, error) {
	var pot models.PotentialInterest
	err := e.db.WithContext(ctx).
		Where("guild_id = ? AND name = ?", guildID, name).
		First(&pot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pot = models.PotentialInterest{GuildID: guildID, Name: name}
	} else if err != nil {
		return false, err
	}

	pot.MentionCount++
	if !containsFold(pot.UsersMentioned, userID) {
		pot.UsersMentioned = append(pot.UsersMentioned, userID)
	}
	if data, err := marshalCandidate(cand); err == nil {
		pot.Data = data
	}

	if err := e.db.WithContext(ctx).Save(&pot).Error; err != nil {
		return false, fmt.Errorf("save potential interest: %w", err)
	}

	if pot.MentionCount >= mentionPromoteAt ||
		len(pot.UsersMentioned) >= distinctPromoteAt ||
		cand.Enthusiasm >= enthusiasmPromote {
		if err := e.promote(ctx, &pot, cand); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// promote creates (or reuses) the global Interest, upserts the guild overlay
// and removes the staging row. The two-tier split keeps per-guild engagement
// independent: "space" can be a level-5 obsession in one server and a passing
// mention in another.
func (e *Engine) promote(ctx context.Context, pot *models.PotentialInterest, cand detectedInterest) error {
	var interest models.Interest
	err := e.db.WithContext(ctx).Where("name = ?", pot.Name).First(&interest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		interest = models.Interest{
			ID:             uuid.NewString(),
			Name:           pot.Name,
			Description:    cand.Description,
			Facts:          cand.Facts,
			ShareThreshold: defaultShareChance,
		}
		if emb, embErr := e.llm.GenerateEmbedding(ctx, pot.Name+": "+cand.Description); embErr == nil {
			interest.Embedding = pgvector.NewVector(emb)
		} else {
			// Promotion still proceeds; the interest just won't surface from
			// vector lookups until re-embedded.
			e.log.Warnw("interest embedding failed", "name", pot.Name, "error", embErr)
		}
		if err := e.db.WithContext(ctx).Create(&interest).Error; err != nil {
			return fmt.Errorf("create interest: %w", err)
		}
	} else if err != nil {
		return err
	}

	var gi models.GuildInterest
	err = e.db.WithContext(ctx).
		Where("guild_id = ? AND interest_id = ?", pot.GuildID, interest.ID).
		First(&gi).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		gi = models.GuildInterest{
			GuildID:    pot.GuildID,
			InterestID: interest.ID,
			Level:      1,
			GuildFacts: cand.Facts,
		}
	} else if err != nil {
		return err
	}
	gi.LastDiscussed = e.clock.Now()
	if err := e.db.WithContext(ctx).Save(&gi).Error; err != nil {
		return fmt.Errorf("save guild interest: %w", err)
	}

	if err := e.db.WithContext(ctx).Delete(pot).Error; err != nil {
		return fmt.Errorf("delete potential interest: %w", err)
	}

	e.log.Infow("interest promoted", "guild_id", pot.GuildID, "name", pot.Name,
		"mentions", pot.MentionCount, "users", len(pot.UsersMentioned))
	return nil
}

// FindRelevantContent decides whether the persona volunteers something.
// Greeting-style messages draw from the guild's interests and storylines;
// topical messages go through the vector lookup with a similarity floor and
// then the interest's own share roll. nil means stay quiet.
func (e *Engine) FindRelevantContent(ctx context.Context, userID, guildID, message string) (*Content, error) {
	_ = userID
	if greetingRe.MatchString(message) {
		return e.pickPersonalContent(ctx, guildID)
	}
	return e.pickTopicalContent(ctx, guildID, message)
}

func (e *Engine) pickPersonalContent(ctx context.Context, guildID string) (*Content, error) {
	type weighted struct {
		content Content
		weight  int
	}
	var pool []weighted

	var guildInterests []models.GuildInterest
	if err := e.db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&guildInterests).Error; err != nil {
		return nil, fmt.Errorf("load guild interests: %w", err)
	}
	for i := range guildInterests {
		gi := guildInterests[i]
		var interest models.Interest
		if err := e.db.WithContext(ctx).Where("id = ?", gi.InterestID).First(&interest).Error; err != nil {
			continue
		}
		pool = append(pool, weighted{
			content: Content{Type: "interest", Interest: &interest, GuildInterest: &guildInterests[i]},
			weight:  gi.Level,
		})
	}

	var storylines []models.Storyline
	if err := e.db.WithContext(ctx).
		Where("status = ? AND (guild_id = ? OR guild_id = '')", "in_progress", guildID).
		Find(&storylines).Error; err != nil {
		return nil, fmt.Errorf("load storylines: %w", err)
	}
	for i := range storylines {
		pool = append(pool, weighted{
			content: Content{Type: "storyline", Storyline: &storylines[i]},
			weight:  3,
		})
	}

	if len(pool) == 0 {
		return nil, nil
	}

	total := 0
	for _, w := range pool {
		total += w.weight
	}
	roll := int(e.randFloat() * float64(total))
	for _, w := range pool {
		roll -= w.weight
		if roll < 0 {
			c := w.content
			return &c, nil
		}
	}
	c := pool[len(pool)-1].content
	return &c, nil
}

func (e *Engine) pickTopicalContent(ctx context.Context, guildID, message string) (*Content, error) {
	queryEmb, err := e.llm.GenerateEmbedding(ctx, message)
	if err != nil {
		e.log.Warnw("query embedding failed", "guild_id", guildID, "error", err)
		return nil, nil
	}

	matches, err := e.matcher.MatchInterests(queryEmb, guildID, 3)
	if err != nil {
		e.log.Errorw("interest match failed", "guild_id", guildID, "error", err)
		return nil, nil
	}

	for i := range matches {
		interest := matches[i]
		if ai.CosineSimilarity(queryEmb, interest.Embedding.Slice()) < similarityFloor {
			continue
		}
		// Second, independent roll: even a perfect match is only shared as
		// often as the interest's own threshold allows.
		if e.randFloat() >= interest.ShareThreshold {
			continue
		}

		var gi models.GuildInterest
		if err := e.db.WithContext(ctx).
			Where("guild_id = ? AND interest_id = ?", guildID, interest.ID).
			First(&gi).Error; err != nil {
			continue
		}
		return &Content{Type: "interest", Interest: &interest, GuildInterest: &gi}, nil
	}

	return nil, nil
}

// TopGuildInterests returns the guild's highest-engagement interests, for use
// as journal and storyline context.
func (e *Engine) TopGuildInterests(ctx context.Context, guildID string, n int) ([]models.Interest, error) {
	var gis []models.GuildInterest
	err := e.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("level DESC").
		Limit(n).
		Find(&gis).Error
	if err != nil {
		return nil, fmt.Errorf("load top guild interests: %w", err)
	}

	var out []models.Interest
	for _, gi := range gis {
		var interest models.Interest
		if err := e.db.WithContext(ctx).Where("id = ?", gi.InterestID).First(&interest).Error; err != nil {
			continue
		}
		out = append(out, interest)
	}
	return out, nil
}

func marshalCandidate(cand detectedInterest) (datatypes.JSON, error) {
	raw, err := json.Marshal(cand)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
