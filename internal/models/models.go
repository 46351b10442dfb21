// internal/models/models.go
package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// ServerCredits tracks a guild's balance across the three credit pools.
// remaining_credits must equal (free+subscription+purchased) minus the three
// used counters; every mutation recomputes it.
type ServerCredits struct {
	ID      uint   `gorm:"primaryKey"`
	GuildID string `gorm:"uniqueIndex;not null"`

	RemainingCredits int `gorm:"not null;default:0"`
	TotalUsedCredits int `gorm:"not null;default:0"`

	FreeCredits             int `gorm:"not null;default:0"`
	FreeUsedCredits         int `gorm:"not null;default:0"`
	SubscriptionCredits     int `gorm:"not null;default:0"`
	SubscriptionUsedCredits int `gorm:"not null;default:0"`
	PurchasedCredits        int `gorm:"not null;default:0"`
	PurchasedUsedCredits    int `gorm:"not null;default:0"`

	LastFreeRefresh time.Time
	NextFreeRefresh time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ServerCredits) TableName() string { return "server_credits" }

// CreditTransaction is a write-once audit log row.
type CreditTransaction struct {
	ID              uint   `gorm:"primaryKey"`
	GuildID         string `gorm:"index;not null"`
	Amount          int    `gorm:"not null"` // signed: debits are negative
	TransactionType string `gorm:"not null"` // usage|purchase|free_monthly|subscription
	FeatureType     string
	PaymentID       string
	CreatedAt       time.Time
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

type ServerSubscription struct {
	ID               uint   `gorm:"primaryKey"`
	GuildID          string `gorm:"uniqueIndex;not null"`
	Plan             string `gorm:"not null;default:'standard'"` // standard|premium|enterprise
	Status           string `gorm:"not null;default:'inactive'"` // active|inactive
	CurrentPeriodEnd time.Time
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ServerSubscription) TableName() string { return "server_subscriptions" }

// InsideJoke is one remembered running gag with the message context it came from.
type InsideJoke struct {
	Reference string    `json:"reference"`
	Context   string    `json:"context"`
	Timestamp time.Time `json:"timestamp"`
}

// Relationship tracks how well the bot knows one user in one guild.
// Level is an ordinal 0-4 (stranger -> close friend) and never decreases.
type Relationship struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           string `gorm:"index:idx_rel_user_guild,unique;not null"`
	GuildID          string `gorm:"index:idx_rel_user_guild,unique;not null"`
	Level            int    `gorm:"not null;default:0"`
	InteractionCount int    `gorm:"not null;default:0"`
	LastInteraction  time.Time

	SharedInterests    datatypes.JSONSlice[string]
	ConversationTopics datatypes.JSONType[map[string]int]
	InsideJokes        datatypes.JSONSlice[InsideJoke]

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Relationship) TableName() string { return "bri_relationships" }

// Interest is a global topic the persona knows about. Guild-local engagement
// lives in GuildInterest.
type Interest struct {
	ID             string `gorm:"primaryKey"` // uuid
	Name           string `gorm:"uniqueIndex;not null"`
	Description    string `gorm:"type:text"`
	Facts          datatypes.JSONSlice[string]
	Tags           datatypes.JSONSlice[string]
	ShareThreshold float64         `gorm:"not null;default:0.5"`
	Embedding      pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Interest) TableName() string { return "bri_interests" }

// GuildInterest overlays a global Interest with per-guild engagement.
type GuildInterest struct {
	ID            uint   `gorm:"primaryKey"`
	GuildID       string `gorm:"index:idx_guild_interest,unique;not null"`
	InterestID    string `gorm:"index:idx_guild_interest,unique;not null"`
	Level         int    `gorm:"not null;default:1"` // 1-5
	GuildFacts    datatypes.JSONSlice[string]
	GuildTags     datatypes.JSONSlice[string]
	LastDiscussed time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (GuildInterest) TableName() string { return "bri_guild_interests" }

// PotentialInterest is the staging row a topic sits in before promotion.
type PotentialInterest struct {
	ID             uint   `gorm:"primaryKey"`
	GuildID        string `gorm:"index:idx_potential_guild_name,unique;not null"`
	Name           string `gorm:"index:idx_potential_guild_name,unique;not null"`
	MentionCount   int    `gorm:"not null;default:0"`
	UsersMentioned datatypes.JSONSlice[string]
	Data           datatypes.JSON
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (PotentialInterest) TableName() string { return "bri_potential_interests" }

type StorylineUpdate struct {
	Date    time.Time `json:"date"`
	Content string    `json:"content"`
}

type Storyline struct {
	ID             string  `gorm:"primaryKey"` // uuid
	GuildID        string  `gorm:"index"`      // empty = global
	Title          string  `gorm:"not null"`
	Description    string  `gorm:"type:text"`
	Status         string  `gorm:"not null;default:'in_progress'"` // in_progress|completed
	Progress       float64 `gorm:"not null;default:0"`
	Updates        datatypes.JSONSlice[StorylineUpdate]
	ShareThreshold float64 `gorm:"not null;default:0.5"`
	EndDate        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Storyline) TableName() string { return "bri_storylines" }

// CharacterSheet holds the persona's simulated biography for one guild as a
// versioned JSON document. The typed schema lives in internal/character.
type CharacterSheet struct {
	ID        uint           `gorm:"primaryKey"`
	GuildID   string         `gorm:"uniqueIndex;not null"`
	Document  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CharacterSheet) TableName() string { return "bri_character_sheets" }

type JournalEntry struct {
	ID        uint   `gorm:"primaryKey"`
	GuildID   string `gorm:"index;not null"`
	Title     string
	Content   string          `gorm:"type:text"`
	EntryType string          `gorm:"not null;default:'journal'"` // journal|storyline|interest
	Embedding pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt time.Time
}

func (JournalEntry) TableName() string { return "bri_journal_entries" }

// JournalSchedule is the persisted due-time row the scheduler re-arms from on
// startup, so schedules survive process restarts.
type JournalSchedule struct {
	ID        uint   `gorm:"primaryKey"`
	GuildID   string `gorm:"uniqueIndex;not null"`
	ChannelID string `gorm:"not null"`
	Hour      int    `gorm:"not null;default:9"`
	Minute    int    `gorm:"not null;default:0"`
	Timezone  string `gorm:"not null;default:'America/New_York'"`
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (JournalSchedule) TableName() string { return "journal_schedules" }
