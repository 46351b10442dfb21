// internal/interests/storylines.go
package interests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bri-bot/internal/models"

	"github.com/google/uuid"
)

// Storyline sweep tuning.
const (
	progressChance    = 0.3
	newStorylineOdds  = 0.1
	minUpdateGapDays  = 2
	maxProgressStep   = 0.2
	fallbackUpdate    = "things are moving along, slowly but surely."
	fallbackWrapUp    = "and that's a wrap on that one. kind of bittersweet honestly."
)

// AdvanceStorylines is the periodic sweep. Expired storylines are completed
// exactly once; active ones sometimes inch forward; occasionally a brand-new
// storyline is spun up from a guild's top interests.
func (e *Engine) AdvanceStorylines(ctx context.Context) error {
	now := e.clock.Now()

	var storylines []models.Storyline
	if err := e.db.WithContext(ctx).Where("status = ?", "in_progress").Find(&storylines).Error; err != nil {
		return fmt.Errorf("load storylines: %w", err)
	}

	for i := range storylines {
		s := &storylines[i]

		if s.EndDate != nil && s.EndDate.Before(now) {
			e.completeStoryline(ctx, s)
			continue
		}

		if e.daysSinceUpdate(s, now) < minUpdateGapDays {
			continue
		}
		if e.randFloat() >= progressChance {
			continue
		}
		e.progressStoryline(ctx, s)
	}

	if e.randFloat() < newStorylineOdds {
		if err := e.fabricateStoryline(ctx); err != nil {
			e.log.Warnw("storyline fabrication failed", "error", err)
		}
	}

	return nil
}

// completeStoryline flips an expired storyline to completed with one final
// update. Completed storylines never receive further progress.
func (e *Engine) completeStoryline(ctx context.Context, s *models.Storyline) {
	content, err := e.llm.Chat(ctx,
		`You write one or two casual first-person sentences, in the voice of a teenager, wrapping up a personal storyline. Output only the sentences.`,
		fmt.Sprintf("Storyline: %s — %s", s.Title, s.Description))
	if err != nil || strings.TrimSpace(content) == "" {
		content = fallbackWrapUp
	}

	s.Status = "completed"
	s.Progress = 1.0
	s.Updates = append(s.Updates, models.StorylineUpdate{Date: e.clock.Now(), Content: content})

	if err := e.db.WithContext(ctx).Save(s).Error; err != nil {
		e.log.Errorw("storyline completion save failed", "storyline_id", s.ID, "error", err)
		return
	}
	e.log.Infow("storyline completed", "storyline_id", s.ID, "title", s.Title)
}

func (e *Engine) progressStoryline(ctx context.Context, s *models.Storyline) {
	content, err := e.llm.Chat(ctx,
		`You write one casual first-person sentence, in the voice of a teenager, giving a small progress update on a personal storyline. Output only the sentence.`,
		fmt.Sprintf("Storyline: %s — %s (progress so far: %.0f%%)", s.Title, s.Description, s.Progress*100))
	if err != nil || strings.TrimSpace(content) == "" {
		content = fallbackUpdate
	}

	step := e.randFloat() * maxProgressStep
	s.Progress += step
	if s.Progress > 0.99 {
		s.Progress = 0.99 // completion only happens via the end date
	}
	s.Updates = append(s.Updates, models.StorylineUpdate{Date: e.clock.Now(), Content: content})

	if err := e.db.WithContext(ctx).Save(s).Error; err != nil {
		e.log.Errorw("storyline progress save failed", "storyline_id", s.ID, "error", err)
		return
	}
	e.log.Debugw("storyline progressed", "storyline_id", s.ID, "progress", s.Progress)
}

// fabricateStoryline invents a new storyline for the guild with the most
// invested interests.
func (e *Engine) fabricateStoryline(ctx context.Context) error {
	var gi models.GuildInterest
	err := e.db.WithContext(ctx).Order("level DESC").First(&gi).Error
	if err != nil {
		// No interests anywhere yet; nothing to build a storyline from.
		return nil
	}

	top, err := e.TopGuildInterests(ctx, gi.GuildID, 3)
	if err != nil || len(top) == 0 {
		return err
	}

	names := make([]string, len(top))
	for i, interest := range top {
		names[i] = interest.Name
	}

	var result struct {
		Title        string `json:"title"`
		Description  string `json:"description"`
		DurationDays int    `json:"duration_days"`
	}
	err = e.llm.ChatJSON(ctx,
		`Invent a small ongoing personal storyline for a teenager, rooted in their interests. Reply with JSON: {"title": "...", "description": "one or two sentences", "duration_days": 14-42}.`,
		"Interests: "+strings.Join(names, ", "), &result)
	if err != nil {
		return err
	}
	if result.Title == "" {
		return nil
	}
	if result.DurationDays < 7 {
		result.DurationDays = 14
	}

	end := e.clock.Now().AddDate(0, 0, result.DurationDays)
	s := models.Storyline{
		ID:             uuid.NewString(),
		GuildID:        gi.GuildID,
		Title:          result.Title,
		Description:    result.Description,
		Status:         "in_progress",
		ShareThreshold: defaultShareChance,
		EndDate:        &end,
	}
	if err := e.db.WithContext(ctx).Create(&s).Error; err != nil {
		return fmt.Errorf("create storyline: %w", err)
	}

	e.log.Infow("storyline fabricated", "guild_id", gi.GuildID, "title", result.Title, "ends", end)
	return nil
}

func (e *Engine) daysSinceUpdate(s *models.Storyline, now time.Time) float64 {
	last := s.CreatedAt
	if n := len(s.Updates); n > 0 {
		last = s.Updates[n-1].Date
	}
	if last.IsZero() {
		return 999
	}
	return now.Sub(last).Hours() / 24
}
