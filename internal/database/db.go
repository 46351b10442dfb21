// internal/database/db.go
package database

import (
	"fmt"

	"bri-bot/internal/models"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DB struct {
	*gorm.DB
}

func NewDB(host, user, password, dbname string, port int) (*DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		host, user, password, dbname, port)

	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Enable pgvector extension
	if err := gormDB.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, err
	}

	if err := Migrate(gormDB); err != nil {
		return nil, err
	}

	return &DB{gormDB}, nil
}

// Migrate runs AutoMigrate for every table. Split out so tests can run it
// against an in-memory sqlite database.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ServerCredits{},
		&models.CreditTransaction{},
		&models.ServerSubscription{},
		&models.Relationship{},
		&models.Interest{},
		&models.GuildInterest{},
		&models.PotentialInterest{},
		&models.Storyline{},
		&models.CharacterSheet{},
		&models.JournalEntry{},
		&models.JournalSchedule{},
	)
}

// MatchInterests is the vector-similarity lookup behind topical content
// sharing. Results come back nearest-first; the caller converts distance to
// similarity and applies its threshold.
func (db *DB) MatchInterests(embedding []float32, guildID string, limit int) ([]models.Interest, error) {
	var interests []models.Interest

	vector := pgvector.NewVector(embedding)

	err := db.
		Joins("JOIN bri_guild_interests ON bri_guild_interests.interest_id = bri_interests.id").
		Where("bri_guild_interests.guild_id = ?", guildID).
		Clauses(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <-> ?", Vars: []interface{}{vector}}}).
		Limit(limit).
		Find(&interests).Error

	return interests, err
}

// MatchJournalEntriesByGuild returns the guild's nearest journal entries to
// the query embedding, for use as LLM context.
func (db *DB) MatchJournalEntriesByGuild(embedding []float32, guildID string, limit int) ([]models.JournalEntry, error) {
	var entries []models.JournalEntry

	vector := pgvector.NewVector(embedding)

	err := db.Where("guild_id = ?", guildID).
		Clauses(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <-> ?", Vars: []interface{}{vector}}}).
		Limit(limit).
		Find(&entries).Error

	return entries, err
}

func (db *DB) GetRecentJournalEntries(guildID string, limit int) ([]models.JournalEntry, error) {
	var entries []models.JournalEntry

	err := db.Where("guild_id = ?", guildID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error

	return entries, err
}
