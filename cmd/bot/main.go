// cmd/bot/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bri-bot/internal/ai"
	"bri-bot/internal/bot"
	"bri-bot/internal/character"
	"bri-bot/internal/config"
	"bri-bot/internal/credits"
	"bri-bot/internal/database"
	"bri-bot/internal/interests"
	"bri-bot/internal/journal"
	"bri-bot/internal/relationship"
	"bri-bot/internal/subscription"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(cfg.LogMode)
	defer logger.Sync()
	log := logger.Sugar()

	db, err := database.NewDB(cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}

	llm := ai.NewAIService(cfg.OpenAIAPIKey)

	ledger := credits.NewLedger(db, log)
	registry := subscription.NewRegistry(db, ledger, log)
	ledger.SetSubscriptionSource(registry)

	tracker := relationship.NewTracker(db, llm, log)
	engine := interests.NewEngine(db, llm, log)
	sheets := character.NewService(db, llm, log)
	responder := bot.NewResponder(db, llm, sheets, log)

	// The handler is the journal poster; the scheduler gets it after both exist.
	var handler *bot.Handler
	poster := journal.PosterFunc(func(channelID, title, content string) error {
		return handler.PostJournalEntry(channelID, title, content)
	})
	sched := journal.NewScheduler(db, llm, sheets, engine, ledger, poster, log)
	handler = bot.NewHandler(db, ledger, registry, tracker, engine, sheets, sched, responder, log)

	discord, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.Fatalw("discord session failed", "error", err)
	}
	discord.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	handler.SetSession(discord)

	if err := discord.Open(); err != nil {
		log.Fatalw("discord connection failed", "error", err)
	}
	defer discord.Close()

	if err := handler.RegisterCommands(); err != nil {
		log.Fatalw("command registration failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		log.Fatalw("journal scheduler failed", "error", err)
	}
	defer sched.Stop()

	webhook := &http.Server{
		Addr:         cfg.WebhookAddr,
		Handler:      subscription.NewWebhookHandler(ledger, registry, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("checkout webhook listening", "addr", cfg.WebhookAddr)
		if err := webhook.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("webhook server failed", "error", err)
		}
	}()

	log.Infow("bri is online")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	webhook.Shutdown(shutdownCtx)
}

func newLogger(mode string) *zap.Logger {
	if mode == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
