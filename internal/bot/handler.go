// internal/bot/handler.go
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bri-bot/internal/cache"
	"bri-bot/internal/character"
	"bri-bot/internal/credits"
	"bri-bot/internal/database"
	"bri-bot/internal/interests"
	"bri-bot/internal/journal"
	"bri-bot/internal/relationship"
	"bri-bot/internal/subscription"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	// Conversation buffers flush into interest analysis at this depth.
	analyzeEvery  = 5
	bufferTTL     = 30 * time.Minute
	apologyReply  = "ugh my brain just glitched, say that again?"
	sweepInterval = 500
)

type Handler struct {
	db       *database.DB
	ledger   *credits.Ledger
	registry *subscription.Registry
	tracker  *relationship.Tracker
	engine   *interests.Engine
	sheets   *character.Service
	journal  *journal.Scheduler
	respond  *Responder
	log      *zap.SugaredLogger

	session *discordgo.Session
	botID   string

	// Per-channel rolling message buffers for interest analysis.
	buffers  *cache.Cache
	msgCount atomic.Int64
}

func NewHandler(db *database.DB, ledger *credits.Ledger, registry *subscription.Registry, tracker *relationship.Tracker, engine *interests.Engine, sheets *character.Service, sched *journal.Scheduler, respond *Responder, log *zap.SugaredLogger) *Handler {
	return &Handler{
		db:       db,
		ledger:   ledger,
		registry: registry,
		tracker:  tracker,
		engine:   engine,
		sheets:   sheets,
		journal:  sched,
		respond:  respond,
		log:      log,
		buffers:  cache.New(bufferTTL),
	}
}

func (h *Handler) SetSession(s *discordgo.Session) {
	h.session = s
	user, err := s.User("@me")
	if err != nil {
		h.log.Errorw("bot user lookup failed", "error", err)
		return
	}
	h.botID = user.ID

	s.AddHandler(h.handleInteraction)
	s.AddHandler(h.OnMessageCreate)
}

// PostJournalEntry implements journal.Poster.
func (h *Handler) PostJournalEntry(channelID, title, content string) error {
	_, err := h.session.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Title:       "📓 " + title,
		Description: content,
		Color:       0xcc99ff,
	})
	return err
}

func (h *Handler) RegisterCommands() error {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "credits",
			Description: "Credit balance and usage",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "check", Description: "Show remaining credits"},
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "usage", Description: "Show credit usage by pool"},
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "info", Description: "How credits and costs work"},
			},
		},
		{
			Name:        "subscription",
			Description: "Show this server's subscription status",
		},
		{
			Name:        "setup-journal",
			Description: "Schedule Bri's daily journal post",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionChannel, Name: "channel", Description: "Channel to post in"},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "hour", Description: "Hour (0-23)"},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "minute", Description: "Minute (0-59)"},
				{Type: discordgo.ApplicationCommandOptionString, Name: "timezone", Description: "IANA timezone, e.g. America/New_York"},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "disable", Description: "Turn the daily journal off"},
			},
		},
		{
			Name:        "journal-entry",
			Description: "Have Bri write a journal entry right now",
		},
		{
			Name:        "manual-journal",
			Description: "Add a journal entry written by hand",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "title", Description: "Entry title", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "content", Description: "Entry text", Required: true},
			},
		},
		{
			Name:        "clearmemories",
			Description: "Make Bri forget everything about you in this server",
		},
		{
			Name:        "personality",
			Description: "Show how well Bri knows you",
		},
	}

	for _, cmd := range commands {
		if _, err := h.session.ApplicationCommandCreate(h.session.State.User.ID, "", cmd); err != nil {
			return fmt.Errorf("create %q command: %w", cmd.Name, err)
		}
	}

	h.log.Infow("slash commands registered", "count", len(commands))
	return nil
}

func (h *Handler) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	switch i.ApplicationCommandData().Name {
	case "credits":
		h.handleCredits(s, i)
	case "subscription":
		h.handleSubscription(s, i)
	case "setup-journal":
		h.handleSetupJournal(s, i)
	case "journal-entry":
		h.handleJournalEntry(s, i)
	case "manual-journal":
		h.handleManualJournal(s, i)
	case "clearmemories":
		h.handleClearMemories(s, i)
	case "personality":
		h.handlePersonality(s, i)
	}
}

func (h *Handler) OnMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || m.Author.ID == h.botID {
		return
	}
	if m.GuildID == "" {
		return
	}

	h.bufferMessage(m)

	mentioned := strings.Contains(m.Content, "<@"+h.botID+">")
	if !mentioned {
		return
	}

	go h.handleChat(s, m)
}

// handleChat is the full reply pipeline: entitlement, relationship update,
// interest analysis, reply, personalization. A panic anywhere degrades to a
// generic apology instead of silence.
func (h *Handler) handleChat(s *discordgo.Session, m *discordgo.MessageCreate) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorw("chat pipeline panicked", "guild_id", m.GuildID, "panic", r)
			s.ChannelMessageSend(m.ChannelID, apologyReply)
		}
	}()

	ctx := context.Background()
	message := strings.TrimSpace(strings.ReplaceAll(m.Content, "<@"+h.botID+">", ""))
	if message == "" {
		message = "hi"
	}

	ok, err := h.ledger.UseCredits(ctx, m.GuildID, credits.OpChat)
	if err != nil {
		h.log.Errorw("credit check failed", "guild_id", m.GuildID, "error", err)
		s.ChannelMessageSend(m.ChannelID, apologyReply)
		return
	}
	if !ok {
		sc, err := h.ledger.GetServerCredits(ctx, m.GuildID)
		if err != nil {
			h.log.Errorw("credit load failed", "guild_id", m.GuildID, "error", err)
			return
		}
		s.ChannelMessageSend(m.ChannelID, credits.InsufficientMessage(sc, credits.OpChat))
		return
	}

	s.ChannelTyping(m.ChannelID)

	rel, err := h.tracker.UpdateAfterInteraction(ctx, m.Author.ID, m.GuildID, message)
	if err != nil {
		h.log.Errorw("relationship update failed", "guild_id", m.GuildID, "error", err)
	}
	level := relationship.Stranger
	if rel != nil {
		level = relationship.Level(rel.Level)
	}

	if err := h.tracker.DetectInsideJoke(ctx, m.Author.ID, m.GuildID, message); err != nil {
		h.log.Warnw("inside joke detection failed", "guild_id", m.GuildID, "error", err)
	}

	h.maybeAnalyze(ctx, m.Author.ID, m.GuildID, m.ChannelID)

	volunteered, err := h.engine.FindRelevantContent(ctx, m.Author.ID, m.GuildID, message)
	if err != nil {
		h.log.Warnw("content lookup failed", "guild_id", m.GuildID, "error", err)
	}

	reply, err := h.respond.Reply(ctx, m.GuildID, m.Author.Username, message, level, volunteered)
	if err != nil {
		h.log.Errorw("reply generation failed", "guild_id", m.GuildID, "error", err)
		s.ChannelMessageSend(m.ChannelID, apologyReply)
		return
	}

	// Sharing an interest marks it as common ground with this user.
	if volunteered != nil && volunteered.Type == "interest" {
		if err := h.tracker.AddSharedInterest(ctx, m.Author.ID, m.GuildID, volunteered.Interest.Name); err != nil {
			h.log.Warnw("shared interest save failed", "guild_id", m.GuildID, "error", err)
		}
	}

	reply, err = h.tracker.PersonalizeResponse(ctx, m.Author.ID, m.GuildID, reply)
	if err != nil {
		h.log.Warnw("personalization failed", "guild_id", m.GuildID, "error", err)
	}

	s.ChannelMessageSend(m.ChannelID, reply)
}

// bufferMessage appends to the channel's rolling buffer. Every message in the
// guild counts toward interest analysis, not just ones addressed to the bot.
func (h *Handler) bufferMessage(m *discordgo.MessageCreate) {
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	key := m.GuildID + ":" + m.ChannelID
	var lines []string
	if v, ok := h.buffers.Get(key); ok {
		lines = v.([]string)
	}
	lines = append(lines, m.Author.Username+": "+m.Content)
	if len(lines) > analyzeEvery {
		lines = lines[len(lines)-analyzeEvery:]
	}
	h.buffers.Set(key, lines)

	if h.msgCount.Add(1)%sweepInterval == 0 {
		h.buffers.Sweep()
	}
}

// maybeAnalyze flushes the channel buffer into the interest engine once it is
// full, then clears it.
func (h *Handler) maybeAnalyze(ctx context.Context, userID, guildID, channelID string) {
	key := guildID + ":" + channelID
	v, ok := h.buffers.Get(key)
	if !ok {
		return
	}
	lines := v.([]string)
	if len(lines) < analyzeEvery {
		return
	}
	h.buffers.Delete(key)

	if _, err := h.engine.AnalyzeConversation(ctx, userID, guildID, strings.Join(lines, "\n")); err != nil {
		h.log.Warnw("interest analysis failed", "guild_id", guildID, "error", err)
	}
}

func respondText(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text},
	})
}

func deferResponse(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

func editResponse(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text})
}
