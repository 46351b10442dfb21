// internal/character/sheet.go
package character

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bri-bot/internal/ai"
	"bri-bot/internal/clock"
	"bri-bot/internal/database"
	"bri-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const currentSchemaVersion = 2

// Closeness and interest levels run 1-5.
const (
	minCloseness     = 1
	maxCloseness     = 5
	minInterest      = 1
	maxInterest      = 5
	friendDecayDays  = 60
	hobbyDecayDays   = 45
	eventArchiveDays = 30
)

type Event struct {
	Name        string    `json:"name"`
	Date        time.Time `json:"date"`
	Description string    `json:"description,omitempty"`
}

type Friend struct {
	Name          string    `json:"name"`
	Closeness     int       `json:"closeness"`
	LastMentioned time.Time `json:"last_mentioned"`
	Notes         string    `json:"notes,omitempty"`
}

type Hobby struct {
	Name          string    `json:"name"`
	InterestLevel int       `json:"interest_level"`
	LastDiscussed time.Time `json:"last_discussed"`
}

type Pet struct {
	Name    string `json:"name"`
	Species string `json:"species"`
}

type FamilyMember struct {
	Name     string `json:"name"`
	Relation string `json:"relation"`
	Notes    string `json:"notes,omitempty"`
}

// SheetV2 is the persona's biography for one guild. SchemaVersion tags the
// document so old rows can be migrated on read instead of shape-sniffed.
type SheetV2 struct {
	SchemaVersion int `json:"schema_version"`

	Name          string `json:"name"`
	Age           int    `json:"age"`
	BirthdayMonth int    `json:"birthday_month"`
	BirthdayDay   int    `json:"birthday_day"`
	Grade         int    `json:"grade"`
	School        string `json:"school"`

	Family  []FamilyMember `json:"family"`
	Friends []Friend       `json:"friends"`
	Pets    []Pet          `json:"pets"`
	Hobbies []Hobby        `json:"hobbies"`

	UpcomingEvents []Event `json:"upcoming_events"`
	RecentEvents   []Event `json:"recent_events"`
	PastEvents     []Event `json:"past_events"`
}

// sheetV1 is the legacy freeform shape: flat string lists, string-keyed maps,
// one undated-or-string-dated event list.
type sheetV1 struct {
	Name    string            `json:"name"`
	Age     int               `json:"age"`
	Grade   int               `json:"grade"`
	School  string            `json:"school"`
	Family  map[string]string `json:"family"`
	Friends []string          `json:"friends"`
	Pets    map[string]string `json:"pets"`
	Hobbies []string          `json:"hobbies"`
	Events  []struct {
		Name string `json:"name"`
		Date string `json:"date"`
	} `json:"events"`
}

// DefaultSheet is the persona every new guild starts from.
func DefaultSheet() *SheetV2 {
	return &SheetV2{
		SchemaVersion: currentSchemaVersion,
		Name:          "Bri",
		Age:           14,
		BirthdayMonth: 6,
		BirthdayDay:   15,
		Grade:         9,
		School:        "Westfield High",
		Family: []FamilyMember{
			{Name: "Dana", Relation: "mom"},
			{Name: "Mike", Relation: "dad"},
			{Name: "Zoe", Relation: "little sister"},
		},
		Pets: []Pet{
			{Name: "Waffles", Species: "dog"},
		},
	}
}

// Migrate lifts a raw document to the current schema. v2 documents pass
// through untouched; anything without a schema_version tag is treated as v1.
func Migrate(raw []byte, now time.Time) (*SheetV2, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse sheet: %w", err)
	}

	if probe.SchemaVersion >= currentSchemaVersion {
		var sheet SheetV2
		if err := json.Unmarshal(raw, &sheet); err != nil {
			return nil, fmt.Errorf("parse v2 sheet: %w", err)
		}
		return &sheet, nil
	}

	var old sheetV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("parse v1 sheet: %w", err)
	}

	sheet := &SheetV2{
		SchemaVersion: currentSchemaVersion,
		Name:          old.Name,
		Age:           old.Age,
		Grade:         old.Grade,
		School:        old.School,
	}
	def := DefaultSheet()
	if sheet.Name == "" {
		sheet.Name = def.Name
	}
	if sheet.Age == 0 {
		sheet.Age = def.Age
	}
	if sheet.Grade == 0 {
		sheet.Grade = def.Grade
	}
	sheet.BirthdayMonth = def.BirthdayMonth
	sheet.BirthdayDay = def.BirthdayDay

	for name, relation := range old.Family {
		sheet.Family = append(sheet.Family, FamilyMember{Name: name, Relation: relation})
	}
	for _, name := range old.Friends {
		sheet.Friends = append(sheet.Friends, Friend{Name: name, Closeness: 2, LastMentioned: now})
	}
	for name, species := range old.Pets {
		sheet.Pets = append(sheet.Pets, Pet{Name: name, Species: species})
	}
	for _, name := range old.Hobbies {
		sheet.Hobbies = append(sheet.Hobbies, Hobby{Name: name, InterestLevel: 2, LastDiscussed: now})
	}
	for _, ev := range old.Events {
		date, err := time.Parse("2006-01-02", ev.Date)
		if err != nil {
			continue
		}
		if date.After(now) {
			sheet.UpcomingEvents = append(sheet.UpcomingEvents, Event{Name: ev.Name, Date: date})
		} else {
			sheet.PastEvents = append(sheet.PastEvents, Event{Name: ev.Name, Date: date})
		}
	}

	return sheet, nil
}

type Service struct {
	db    *database.DB
	llm   ai.Client
	log   *zap.SugaredLogger
	clock clock.Clock
}

func NewService(db *database.DB, llm ai.Client, log *zap.SugaredLogger) *Service {
	return &Service{
		db:    db,
		llm:   llm,
		log:   log,
		clock: clock.Real{},
	}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// Get loads the guild's sheet, migrating legacy documents in place and
// creating the default sheet for guilds seen for the first time.
func (s *Service) Get(ctx context.Context, guildID string) (*SheetV2, error) {
	var row models.CharacterSheet
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sheet := DefaultSheet()
		if err := s.save(ctx, guildID, sheet); err != nil {
			return nil, err
		}
		return sheet, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load character sheet: %w", err)
	}

	sheet, err := Migrate(row.Document, s.clock.Now())
	if err != nil {
		return nil, err
	}
	// Write back only when the stored document was a legacy version. Comparing
	// bytes would misfire on key-order or whitespace differences (jsonb
	// normalizes both) and turn every read into a save.
	if storedVersion(row.Document) < currentSchemaVersion {
		if err := s.save(ctx, guildID, sheet); err != nil {
			s.log.Warnw("sheet migration save failed", "guild_id", guildID, "error", err)
		}
	}
	return sheet, nil
}

// Update applies mutate under a load-modify-save round trip.
func (s *Service) Update(ctx context.Context, guildID string, mutate func(*SheetV2)) error {
	sheet, err := s.Get(ctx, guildID)
	if err != nil {
		return err
	}
	mutate(sheet)
	return s.save(ctx, guildID, sheet)
}

// ExtractFromJournal asks the model what biography facts a new journal entry
// establishes and merges them into the sheet. New people and hobbies start at
// the lowest engagement step; re-mentions climb one step and reset the decay
// timer.
func (s *Service) ExtractFromJournal(ctx context.Context, guildID, entry string) error {
	var result struct {
		Friends []string `json:"friends"`
		Hobbies []string `json:"hobbies"`
		Events  []struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"upcoming_events"`
	}
	err := s.llm.ChatJSON(ctx,
		`You read a teenager's journal entry and extract biography facts. Reply with JSON: {"friends": ["names of friends mentioned"], "hobbies": ["hobbies or activities mentioned"], "upcoming_events": [{"name": "...", "date": "YYYY-MM-DD"}]}. Only include things the entry clearly states. Empty lists are fine.`,
		entry, &result)
	if err != nil {
		var malformed *ai.MalformedOutputError
		if errors.As(err, &malformed) {
			s.log.Warnw("journal extraction output malformed", "guild_id", guildID)
			return nil
		}
		return fmt.Errorf("journal extraction: %w", err)
	}

	now := s.clock.Now()
	return s.Update(ctx, guildID, func(sheet *SheetV2) {
		for _, name := range result.Friends {
			if i := findFriend(sheet.Friends, name); i >= 0 {
				sheet.Friends[i].LastMentioned = now
				if sheet.Friends[i].Closeness < maxCloseness {
					sheet.Friends[i].Closeness++
				}
			} else {
				sheet.Friends = append(sheet.Friends, Friend{Name: name, Closeness: minCloseness, LastMentioned: now})
			}
		}
		for _, name := range result.Hobbies {
			if i := findHobby(sheet.Hobbies, name); i >= 0 {
				sheet.Hobbies[i].LastDiscussed = now
				if sheet.Hobbies[i].InterestLevel < maxInterest {
					sheet.Hobbies[i].InterestLevel++
				}
			} else {
				sheet.Hobbies = append(sheet.Hobbies, Hobby{Name: name, InterestLevel: minInterest, LastDiscussed: now})
			}
		}
		for _, ev := range result.Events {
			date, err := time.Parse("2006-01-02", ev.Date)
			if err != nil || !date.After(now) {
				continue
			}
			if findEvent(sheet.UpcomingEvents, ev.Name) >= 0 {
				continue
			}
			sheet.UpcomingEvents = append(sheet.UpcomingEvents, Event{Name: ev.Name, Date: date})
		}
	})
}

// AgeDaily runs the once-a-day pass over every guild's sheet: birthdays, grade
// advancement on September 1st, event archival and the slow decay of unvisited
// friendships and hobbies.
func (s *Service) AgeDaily(ctx context.Context) error {
	var rows []models.CharacterSheet
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("load character sheets: %w", err)
	}

	now := s.clock.Now()
	for _, row := range rows {
		sheet, err := Migrate(row.Document, now)
		if err != nil {
			s.log.Errorw("sheet aging skipped, unparseable document", "guild_id", row.GuildID, "error", err)
			continue
		}

		ageSheet(sheet, now)

		if err := s.save(ctx, row.GuildID, sheet); err != nil {
			s.log.Errorw("sheet aging save failed", "guild_id", row.GuildID, "error", err)
		}
	}
	return nil
}

func ageSheet(sheet *SheetV2, now time.Time) {
	if int(now.Month()) == sheet.BirthdayMonth && now.Day() == sheet.BirthdayDay {
		sheet.Age++
	}
	if now.Month() == time.September && now.Day() == 1 {
		sheet.Grade++
	}

	// Events roll forward: upcoming -> recent once the date passes, recent ->
	// past after a month.
	var upcoming []Event
	for _, ev := range sheet.UpcomingEvents {
		if ev.Date.Before(now) {
			sheet.RecentEvents = append(sheet.RecentEvents, ev)
		} else {
			upcoming = append(upcoming, ev)
		}
	}
	sheet.UpcomingEvents = upcoming

	var recent []Event
	for _, ev := range sheet.RecentEvents {
		if now.Sub(ev.Date).Hours() > eventArchiveDays*24 {
			sheet.PastEvents = append(sheet.PastEvents, ev)
		} else {
			recent = append(recent, ev)
		}
	}
	sheet.RecentEvents = recent

	for i := range sheet.Friends {
		f := &sheet.Friends[i]
		if f.Closeness > minCloseness && now.Sub(f.LastMentioned).Hours() > friendDecayDays*24 {
			f.Closeness--
			f.LastMentioned = now
		}
	}
	for i := range sheet.Hobbies {
		h := &sheet.Hobbies[i]
		if h.InterestLevel > minInterest && now.Sub(h.LastDiscussed).Hours() > hobbyDecayDays*24 {
			h.InterestLevel--
			h.LastDiscussed = now
		}
	}
}

// Summary renders the sheet as prompt context for journal generation.
func (s *SheetV2) Summary() string {
	out := fmt.Sprintf("%s, age %d, grade %d at %s.", s.Name, s.Age, s.Grade, s.School)
	if len(s.Family) > 0 {
		out += " Family:"
		for _, m := range s.Family {
			out += fmt.Sprintf(" %s (%s),", m.Name, m.Relation)
		}
	}
	if len(s.Pets) > 0 {
		out += " Pets:"
		for _, p := range s.Pets {
			out += fmt.Sprintf(" %s the %s,", p.Name, p.Species)
		}
	}
	if len(s.Friends) > 0 {
		out += " Friends:"
		for _, f := range s.Friends {
			out += fmt.Sprintf(" %s,", f.Name)
		}
	}
	if len(s.Hobbies) > 0 {
		out += " Hobbies:"
		for _, h := range s.Hobbies {
			out += fmt.Sprintf(" %s,", h.Name)
		}
	}
	if len(s.UpcomingEvents) > 0 {
		out += " Coming up:"
		for _, ev := range s.UpcomingEvents {
			out += fmt.Sprintf(" %s (%s),", ev.Name, ev.Date.Format("Jan 2"))
		}
	}
	return out
}

func (s *Service) save(ctx context.Context, guildID string, sheet *SheetV2) error {
	raw, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("marshal sheet: %w", err)
	}

	var row models.CharacterSheet
	err = s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.CharacterSheet{GuildID: guildID}
	} else if err != nil {
		return err
	}
	row.Document = datatypes.JSON(raw)

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save character sheet: %w", err)
	}
	return nil
}

// storedVersion reads just the schema tag; unparseable or untagged documents
// count as legacy.
func storedVersion(raw datatypes.JSON) int {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.SchemaVersion
}

func findFriend(list []Friend, name string) int {
	for i, f := range list {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

func findHobby(list []Hobby, name string) int {
	for i, h := range list {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

func findEvent(list []Event, name string) int {
	for i, ev := range list {
		if strings.EqualFold(ev.Name, name) {
			return i
		}
	}
	return -1
}
