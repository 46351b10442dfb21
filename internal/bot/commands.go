// internal/bot/commands.go
package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"bri-bot/internal/config"
	"bri-bot/internal/credits"
	"bri-bot/internal/models"
	"bri-bot/internal/relationship"
	"bri-bot/internal/subscription"

	"github.com/bwmarrin/discordgo"
	"github.com/pgvector/pgvector-go"
)

func (h *Handler) handleCredits(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()

	sub := "check"
	if opts := i.ApplicationCommandData().Options; len(opts) > 0 {
		sub = opts[0].Name
	}

	switch sub {
	case "check":
		sc, err := h.ledger.GetServerCredits(ctx, i.GuildID)
		if err != nil {
			h.log.Errorw("credit check failed", "guild_id", i.GuildID, "error", err)
			respondText(s, i, "couldn't load credits right now, try again in a sec.")
			return
		}
		respondText(s, i, fmt.Sprintf("💳 **%d credits remaining** (next free refresh %s)",
			sc.RemainingCredits, sc.NextFreeRefresh.Format("Jan 2")))

	case "usage":
		sc, err := h.ledger.GetServerCredits(ctx, i.GuildID)
		if err != nil {
			h.log.Errorw("credit usage lookup failed", "guild_id", i.GuildID, "error", err)
			respondText(s, i, "couldn't load credits right now, try again in a sec.")
			return
		}
		s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{{
					Title: "Credit usage",
					Color: 0xcc99ff,
					Fields: []*discordgo.MessageEmbedField{
						{Name: "Free", Value: fmt.Sprintf("%d / %d used", sc.FreeUsedCredits, sc.FreeCredits), Inline: true},
						{Name: "Subscription", Value: fmt.Sprintf("%d / %d used", sc.SubscriptionUsedCredits, sc.SubscriptionCredits), Inline: true},
						{Name: "Purchased", Value: fmt.Sprintf("%d / %d used", sc.PurchasedUsedCredits, sc.PurchasedCredits), Inline: true},
						{Name: "Total used", Value: fmt.Sprintf("%d", sc.TotalUsedCredits), Inline: false},
					},
				}},
			},
		})

	case "info":
		var ops []string
		for op := range credits.Costs {
			ops = append(ops, string(op))
		}
		sort.Strings(ops)
		var b strings.Builder
		b.WriteString(fmt.Sprintf("Every server gets **%d free credits** a month. Costs:\n", credits.FreeMonthlyAllowance))
		for _, op := range ops {
			b.WriteString(fmt.Sprintf("• %s — %d\n", op, credits.Costs[credits.Operation(op)]))
		}
		b.WriteString("Subscriptions add a monthly pool and unlock features; purchased credit packs never expire.")
		respondText(s, i, b.String())
	}
}

func (h *Handler) handleSubscription(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()

	status, err := h.registry.HasActiveSubscription(ctx, i.GuildID)
	if err != nil {
		h.log.Errorw("subscription lookup failed", "guild_id", i.GuildID, "error", err)
		respondText(s, i, "couldn't load the subscription right now, try again in a sec.")
		return
	}

	if !status.Subscribed {
		respondText(s, i, "this server has no active subscription. you still get the free monthly credits!")
		return
	}

	features := subscription.PlanFeatures(status.Plan)
	names := make([]string, len(features))
	for idx, f := range features {
		names[idx] = string(f)
	}
	respondText(s, i, fmt.Sprintf("⭐ **%s plan** — features: %s", status.Plan, strings.Join(names, ", ")))
}

func (h *Handler) handleSetupJournal(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()

	subscribed, err := h.registry.IsFeatureSubscribed(ctx, i.GuildID, subscription.FeatureJournaling)
	if err != nil {
		h.log.Errorw("journaling entitlement check failed", "guild_id", i.GuildID, "error", err)
		respondText(s, i, "couldn't check the subscription right now, try again in a sec.")
		return
	}
	if !subscribed {
		respondText(s, i, "journaling needs a subscription. check `/subscription` for details!")
		return
	}

	var (
		channelID = ""
		hour      = config.DefaultJournalHour
		minute    = 0
		timezone  = config.DefaultJournalTimezone
		disable   = false
	)
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case "channel":
			channelID = opt.ChannelValue(nil).ID
		case "hour":
			hour = int(opt.IntValue())
		case "minute":
			minute = int(opt.IntValue())
		case "timezone":
			timezone = opt.StringValue()
		case "disable":
			disable = opt.BoolValue()
		}
	}

	if disable {
		if err := h.journal.Cancel(ctx, i.GuildID); err != nil {
			h.log.Errorw("journal cancel failed", "guild_id", i.GuildID, "error", err)
			respondText(s, i, "couldn't turn that off right now, try again in a sec.")
			return
		}
		respondText(s, i, "okay, no more daily journal posts here.")
		return
	}

	if channelID == "" {
		respondText(s, i, "pick a channel for the journal posts!")
		return
	}

	if err := h.journal.Schedule(ctx, i.GuildID, channelID, hour, minute, timezone); err != nil {
		respondText(s, i, fmt.Sprintf("couldn't set that up: %v", err))
		return
	}
	respondText(s, i, fmt.Sprintf("📓 journal scheduled for %02d:%02d %s in <#%s>", hour, minute, timezone, channelID))
}

func (h *Handler) handleJournalEntry(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()

	if err := deferResponse(s, i); err != nil {
		h.log.Errorw("interaction defer failed", "error", err)
		return
	}

	ok, err := h.ledger.UseCredits(ctx, i.GuildID, credits.OpChat)
	if err != nil || !ok {
		editResponse(s, i, "not enough credits for that right now.")
		return
	}

	entry, err := h.journal.GenerateAndPost(ctx, i.GuildID, i.ChannelID)
	if err != nil {
		h.log.Errorw("manual journal generation failed", "guild_id", i.GuildID, "error", err)
		editResponse(s, i, "couldn't write an entry right now, try again later.")
		return
	}
	editResponse(s, i, fmt.Sprintf("wrote **%s** 📓", entry.Title))
}

func (h *Handler) handleManualJournal(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()

	var title, content string
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case "title":
			title = opt.StringValue()
		case "content":
			content = opt.StringValue()
		}
	}
	if strings.TrimSpace(content) == "" {
		respondText(s, i, "the entry needs some text!")
		return
	}

	entry := &models.JournalEntry{
		GuildID:   i.GuildID,
		Title:     title,
		Content:   content,
		EntryType: "journal",
	}
	if emb, err := h.respond.llm.GenerateEmbedding(ctx, title+"\n"+content); err == nil {
		entry.Embedding = pgvector.NewVector(emb)
	}
	if err := h.db.WithContext(ctx).Create(entry).Error; err != nil {
		h.log.Errorw("manual journal save failed", "guild_id", i.GuildID, "error", err)
		respondText(s, i, "couldn't save that entry, try again in a sec.")
		return
	}

	// Hand-written entries shape the biography the same way generated ones do.
	if err := h.sheets.ExtractFromJournal(ctx, i.GuildID, content); err != nil {
		h.log.Warnw("manual journal extraction failed", "guild_id", i.GuildID, "error", err)
	}

	respondText(s, i, fmt.Sprintf("saved **%s** 📓", title))
}

func (h *Handler) handleClearMemories(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()
	userID := i.Member.User.ID

	if err := h.tracker.ClearMemories(ctx, userID, i.GuildID); err != nil {
		h.log.Errorw("memory clear failed", "guild_id", i.GuildID, "error", err)
		respondText(s, i, "couldn't clear that right now, try again in a sec.")
		return
	}
	respondText(s, i, "done. we're starting fresh — who are you again? 😄")
}

func (h *Handler) handlePersonality(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()
	userID := i.Member.User.ID

	level, err := h.tracker.GetRelationshipLevel(ctx, userID, i.GuildID)
	if err != nil {
		h.log.Errorw("relationship lookup failed", "guild_id", i.GuildID, "error", err)
		respondText(s, i, "couldn't look that up right now, try again in a sec.")
		return
	}

	var line string
	switch level {
	case relationship.CloseFriend:
		line = "you're one of my best friends here 💜"
	case relationship.Friend:
		line = "we're friends! we talk all the time."
	case relationship.Friendly:
		line = "i know you pretty well at this point."
	case relationship.Acquaintance:
		line = "we've talked a few times, you seem cool."
	default:
		line = "we haven't really talked much yet!"
	}
	respondText(s, i, fmt.Sprintf("**%s** — %s", strings.ReplaceAll(level.String(), "_", " "), line))
}
