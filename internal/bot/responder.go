// internal/bot/responder.go
package bot

import (
	"context"
	"fmt"
	"strings"

	"bri-bot/internal/ai"
	"bri-bot/internal/character"
	"bri-bot/internal/database"
	"bri-bot/internal/interests"
	"bri-bot/internal/relationship"

	"go.uber.org/zap"
)

const journalContextEntries = 3

// Responder turns an incoming message into Bri's reply. The persona prompt is
// assembled from the guild's character sheet, journal entries near the query
// embedding, and the speaker's relationship level.
type Responder struct {
	db     *database.DB
	llm    ai.Client
	sheets *character.Service
	log    *zap.SugaredLogger
}

func NewResponder(db *database.DB, llm ai.Client, sheets *character.Service, log *zap.SugaredLogger) *Responder {
	return &Responder{db: db, llm: llm, sheets: sheets, log: log}
}

// journalContext pulls the guild's nearest journal entries to the message so
// the reply can stay consistent with what Bri has "lived" lately. Lookup
// failures degrade to an empty context.
func (r *Responder) journalContext(ctx context.Context, guildID, message string) string {
	embedding, err := r.llm.GenerateEmbedding(ctx, message)
	if err != nil {
		r.log.Warnw("context embedding failed", "guild_id", guildID, "error", err)
		return ""
	}

	entries, err := r.db.MatchJournalEntriesByGuild(embedding, guildID, journalContextEntries)
	if err != nil {
		r.log.Warnw("journal context lookup failed", "guild_id", guildID, "error", err)
		return ""
	}

	var parts []string
	for _, entry := range entries {
		parts = append(parts, fmt.Sprintf("(%s) %s", entry.CreatedAt.Format("Jan 2"), entry.Content))
	}
	return strings.Join(parts, "\n")
}

// Reply generates the base response. Personalization (inside jokes, shared
// interests) is layered on afterwards by the relationship tracker.
func (r *Responder) Reply(ctx context.Context, guildID, username, message string, level relationship.Level, volunteered *interests.Content) (string, error) {
	sheet, err := r.sheets.Get(ctx, guildID)
	if err != nil {
		return "", err
	}

	var prompt strings.Builder
	prompt.WriteString("You are Bri, a teenager chatting on Discord. ")
	prompt.WriteString(sheet.Summary())
	prompt.WriteString("\nWrite like a real teen: casual, lowercase-leaning, short messages, no assistant-speak. Never mention being an AI or a bot.")

	switch {
	case level >= relationship.Friend:
		prompt.WriteString(fmt.Sprintf("\n%s is one of your good friends; be warm and unguarded.", username))
	case level >= relationship.Friendly:
		prompt.WriteString(fmt.Sprintf("\nYou know %s pretty well; be relaxed and familiar.", username))
	case level >= relationship.Acquaintance:
		prompt.WriteString(fmt.Sprintf("\nYou've talked with %s a few times before.", username))
	default:
		prompt.WriteString(fmt.Sprintf("\nYou don't really know %s yet; be friendly but not overfamiliar.", username))
	}

	if jc := r.journalContext(ctx, guildID, message); jc != "" {
		prompt.WriteString("\nRecent things from your life (stay consistent with these):\n")
		prompt.WriteString(jc)
	}

	if volunteered != nil {
		switch volunteered.Type {
		case "interest":
			prompt.WriteString(fmt.Sprintf("\nIf it fits naturally, bring up how into %s you are lately.", volunteered.Interest.Name))
		case "storyline":
			prompt.WriteString(fmt.Sprintf("\nIf it fits naturally, mention what's going on with %q (%s).",
				volunteered.Storyline.Title, volunteered.Storyline.Description))
		}
	}

	reply, err := r.llm.Chat(ctx, prompt.String(), fmt.Sprintf("%s says: %s", username, message))
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
