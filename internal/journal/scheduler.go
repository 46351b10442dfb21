// internal/journal/scheduler.go
package journal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"bri-bot/internal/ai"
	"bri-bot/internal/character"
	"bri-bot/internal/credits"
	"bri-bot/internal/database"
	"bri-bot/internal/interests"
	"bri-bot/internal/models"

	"github.com/pgvector/pgvector-go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jitterMinutes   = 10
	recentEntries   = 5
	topInterests    = 3
	retryBackoffMin = 30 * time.Minute
	retryBackoffMax = 60 * time.Minute
)

// Cron specs for the daily housekeeping jobs, UTC.
const (
	refillSpec    = "15 0 * * *"
	agingSpec     = "10 4 * * *"
	storylineSpec = "30 5 * * *"
)

// Poster delivers a finished entry to a channel. The Discord layer implements
// it; tests swap in a recorder.
type Poster interface {
	PostJournalEntry(channelID, title, content string) error
}

// PosterFunc adapts a bare function to Poster.
type PosterFunc func(channelID, title, content string) error

func (f PosterFunc) PostJournalEntry(channelID, title, content string) error {
	return f(channelID, title, content)
}

// Scheduler owns the per-guild journal timers plus the daily housekeeping
// sweeps. Schedule rows are the durable source of truth: they are re-read on
// startup and again every time a timer fires, so deleting or deactivating a
// row cancels the job at its next fire without any timer bookkeeping.
type Scheduler struct {
	db        *database.DB
	llm       ai.Client
	sheets    *character.Service
	engine    *interests.Engine
	ledger    *credits.Ledger
	poster    Poster
	log       *zap.SugaredLogger
	randFloat func() float64

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID // guild ID -> armed entry
	retries map[string]*time.Timer
}

func NewScheduler(db *database.DB, llm ai.Client, sheets *character.Service, engine *interests.Engine, ledger *credits.Ledger, poster Poster, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		db:        db,
		llm:       llm,
		sheets:    sheets,
		engine:    engine,
		ledger:    ledger,
		poster:    poster,
		log:       log,
		randFloat: rand.Float64,
		entries:   make(map[string]cron.EntryID),
		retries:   make(map[string]*time.Timer),
	}
}

// SetRand replaces the jitter source. Tests only.
func (s *Scheduler) SetRand(f func() float64) { s.randFloat = f }

// Start arms every active schedule row and the daily housekeeping jobs, then
// starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	var rows []models.JournalSchedule
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return fmt.Errorf("load journal schedules: %w", err)
	}
	for _, row := range rows {
		if err := s.arm(row); err != nil {
			s.log.Errorw("journal schedule arm failed", "guild_id", row.GuildID, "error", err)
		}
	}

	if _, err := s.cron.AddFunc(refillSpec, func() {
		if err := s.ledger.RunMonthlyRefill(context.Background()); err != nil {
			s.log.Errorw("credit refill sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register refill job: %w", err)
	}
	if _, err := s.cron.AddFunc(agingSpec, func() {
		if err := s.sheets.AgeDaily(context.Background()); err != nil {
			s.log.Errorw("character aging failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register aging job: %w", err)
	}
	if _, err := s.cron.AddFunc(storylineSpec, func() {
		if err := s.engine.AdvanceStorylines(context.Background()); err != nil {
			s.log.Errorw("storyline sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register storyline job: %w", err)
	}

	s.cron.Start()
	s.log.Infow("journal scheduler started", "schedules", len(rows))
	return nil
}

// Stop halts the cron runner and any pending retries. In-flight jobs finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for guildID, timer := range s.retries {
		timer.Stop()
		delete(s.retries, guildID)
	}
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Schedule upserts the guild's schedule row and re-arms its timer.
func (s *Scheduler) Schedule(ctx context.Context, guildID, channelID string, hour, minute int, timezone string) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid time %02d:%02d", hour, minute)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	var row models.JournalSchedule
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.JournalSchedule{GuildID: guildID}
	} else if err != nil {
		return err
	}
	row.ChannelID = channelID
	row.Hour = hour
	row.Minute = minute
	row.Timezone = timezone
	row.Active = true
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save journal schedule: %w", err)
	}

	s.disarm(guildID)
	if s.cron != nil {
		if err := s.arm(row); err != nil {
			return err
		}
	}

	s.log.Infow("journal schedule set", "guild_id", guildID, "channel_id", channelID,
		"time", fmt.Sprintf("%02d:%02d %s", hour, minute, timezone))
	return nil
}

// Cancel deactivates the guild's schedule. The row stays around so a later
// /setup-journal reuses the channel and time.
func (s *Scheduler) Cancel(ctx context.Context, guildID string) error {
	err := s.db.WithContext(ctx).Model(&models.JournalSchedule{}).
		Where("guild_id = ?", guildID).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate journal schedule: %w", err)
	}
	s.disarm(guildID)
	return nil
}

// GenerateAndPost writes today's entry for a guild: character sheet, recent
// entries and the guild's top interests go in as context, the result is
// embedded, stored and folded back into the sheet.
func (s *Scheduler) GenerateAndPost(ctx context.Context, guildID, channelID string) (*models.JournalEntry, error) {
	sheet, err := s.sheets.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}

	var contextParts []string
	contextParts = append(contextParts, "Who you are: "+sheet.Summary())

	if recent, err := s.db.GetRecentJournalEntries(guildID, recentEntries); err == nil && len(recent) > 0 {
		var titles []string
		for _, entry := range recent {
			titles = append(titles, entry.Title)
		}
		contextParts = append(contextParts, "Recent entries (don't repeat them): "+strings.Join(titles, "; "))
	}

	if top, err := s.engine.TopGuildInterests(ctx, guildID, topInterests); err == nil && len(top) > 0 {
		var names []string
		for _, interest := range top {
			names = append(names, interest.Name)
		}
		contextParts = append(contextParts, "Things this server is into: "+strings.Join(names, ", "))
	}

	var result struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	err = s.llm.ChatJSON(ctx,
		`You write a teenager's journal entry: casual, first person, 2-4 short paragraphs, lowercase vibes, no hashtags. Reply with JSON: {"title": "short title", "content": "the entry"}.`,
		strings.Join(contextParts, "\n"), &result)
	if err != nil {
		return nil, fmt.Errorf("journal generation: %w", err)
	}
	if strings.TrimSpace(result.Content) == "" {
		return nil, fmt.Errorf("journal generation: empty entry")
	}

	entry := &models.JournalEntry{
		GuildID:   guildID,
		Title:     result.Title,
		Content:   result.Content,
		EntryType: "journal",
	}
	if emb, embErr := s.llm.GenerateEmbedding(ctx, result.Title+"\n"+result.Content); embErr == nil {
		entry.Embedding = pgvector.NewVector(emb)
	} else {
		s.log.Warnw("journal embedding failed", "guild_id", guildID, "error", embErr)
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("store journal entry: %w", err)
	}

	if channelID != "" && s.poster != nil {
		if err := s.poster.PostJournalEntry(channelID, result.Title, result.Content); err != nil {
			return entry, fmt.Errorf("post journal entry: %w", err)
		}
	}

	// Entries feed the biography: new friends, hobbies and events the model
	// wrote about become sheet facts.
	if err := s.sheets.ExtractFromJournal(ctx, guildID, result.Content); err != nil {
		s.log.Warnw("journal extraction failed", "guild_id", guildID, "error", err)
	}

	return entry, nil
}

// arm registers the guild's cron entry with a per-guild minute jitter so a
// fleet of guilds in the same timezone doesn't post in lockstep.
func (s *Scheduler) arm(row models.JournalSchedule) error {
	minute := row.Minute + int(s.randFloat()*jitterMinutes)
	hour := row.Hour
	if minute > 59 {
		minute -= 60
		hour = (hour + 1) % 24
	}
	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", row.Timezone, minute, hour)

	guildID := row.GuildID
	id, err := s.cron.AddFunc(spec, func() {
		s.fire(guildID)
	})
	if err != nil {
		return fmt.Errorf("arm schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	s.entries[guildID] = id
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) disarm(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[guildID]; ok && s.cron != nil {
		s.cron.Remove(id)
		delete(s.entries, guildID)
	}
	if timer, ok := s.retries[guildID]; ok {
		timer.Stop()
		delete(s.retries, guildID)
	}
}

// fire runs one scheduled posting. The row is re-read first: a schedule
// deleted or deactivated after arming no-ops here and disarms itself.
func (s *Scheduler) fire(guildID string) {
	ctx := context.Background()

	var row models.JournalSchedule
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !row.Active) {
		s.log.Infow("journal schedule gone, disarming", "guild_id", guildID)
		s.disarm(guildID)
		return
	}
	if err != nil {
		s.log.Errorw("journal schedule re-read failed", "guild_id", guildID, "error", err)
		return
	}

	if _, err := s.GenerateAndPost(ctx, guildID, row.ChannelID); err != nil {
		s.log.Errorw("journal posting failed, scheduling retry", "guild_id", guildID, "error", err)
		s.scheduleRetry(guildID)
		return
	}
}

func (s *Scheduler) scheduleRetry(guildID string) {
	delay := retryBackoffMin + time.Duration(s.randFloat()*float64(retryBackoffMax-retryBackoffMin))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.retries[guildID]; pending {
		return
	}
	s.retries[guildID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retries, guildID)
		s.mu.Unlock()
		s.fire(guildID)
	})
}
