package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"credx/core/events"
)

const (
	maxListLimit         = 500
	defaultAppendTimeout = 5 * time.Second
)

// EventRecord is a persisted engine event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Owner      string    `gorm:"size:96;index" json:"owner,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// Decode returns the stored attribute map.
func (r EventRecord) Decode() map[string]string {
	attrs := map[string]string{}
	if r.Attributes != "" {
		_ = json.Unmarshal([]byte(r.Attributes), &attrs)
	}
	return attrs
}

// MarshalJSON inlines the attribute map.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	type alias EventRecord
	return json.Marshal(struct {
		alias
		Attributes map[string]string `json:"attributes"`
	}{alias: alias(r), Attributes: r.Decode()})
}

// Open connects to the journal database with the named driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{})
}

// Journal appends committed engine events to a database.
type Journal struct {
	db            *gorm.DB
	logger        *slog.Logger
	now           func() time.Time
	appendTimeout time.Duration
}

// New constructs a journal over db.
func New(db *gorm.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now, appendTimeout: defaultAppendTimeout}
}

// SetAppendTimeout bounds each insert performed by Emit. Non-positive values
// restore the default.
func (j *Journal) SetAppendTimeout(timeout time.Duration) {
	if j == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultAppendTimeout
	}
	j.appendTimeout = timeout
}

// Emit implements events.Emitter. Write failures are logged; the engine
// state has already committed.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || j.db == nil || evt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.appendTimeout)
	defer cancel()
	if _, err := j.Append(ctx, evt.Record()); err != nil {
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append stores record and returns the persisted row.
func (j *Journal) Append(ctx context.Context, record events.Record) (*EventRecord, error) {
	attrs, err := json.Marshal(record.Attributes)
	if err != nil {
		return nil, err
	}
	row := &EventRecord{
		ID:         uuid.New(),
		Type:       record.Type,
		Owner:      record.Attribute("owner"),
		Attributes: string(attrs),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	return row, nil
}

// Query filters List.
type Query struct {
	Type  string
	Owner string
	Since time.Time
	Limit int
}

// List returns journal rows newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]EventRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	tx := j.db.WithContext(ctx).Model(&EventRecord{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Owner != "" {
		tx = tx.Where("owner = ?", q.Owner)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}
	var rows []EventRecord
	if err := tx.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return rows, nil
}
