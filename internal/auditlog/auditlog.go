// Package auditlog persists admin actions against the fallback core —
// overrides and kills — via GORM. This is deliberately not per-listener
// access logging (that stays an external collaborator per spec's
// Non-goals); it is a small, queryable trail of who told the core to do
// what.
package auditlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wavecast/fhserve/internal/config"
)

// Action names the admin operation recorded.
type Action string

const (
	ActionOverride Action = "override"
	ActionKill     Action = "kill"
	ActionMimeLoad Action = "mime_reload"
)

// Entry is one row in the audit trail.
type Entry struct {
	ID        string    `gorm:"primarykey;type:varchar(26)"`
	CreatedAt time.Time `gorm:"index"`
	Action    Action    `gorm:"type:varchar(32);index"`
	Mount     string    `gorm:"type:varchar(512)"`
	Target    string    `gorm:"type:varchar(512)"` // override dest, or killed listener id
	Remote    string    `gorm:"type:varchar(128)"` // caller's remote address
	Success   bool
	Detail    string `gorm:"type:text"`
}

// BeforeCreate stamps a time-ordered ULID primary key, matching the
// teacher's BaseModel convention without pulling in its full model set.
func (e *Entry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	return nil
}

// Recorder writes Entry rows and is safe for concurrent use (GORM pools
// the underlying *sql.DB connections itself).
type Recorder struct {
	db *gorm.DB
}

// Open connects to the audit store described by cfg and runs its
// migration (a single table — this is not the daemon's primary database,
// so no versioned migration registry is warranted).
func Open(cfg config.AuditConfig) (*Recorder, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                  gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("auditlog: opening %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("auditlog: getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("auditlog: migrating schema: %w", err)
	}

	return &Recorder{db: db}, nil
}

func dialectorFor(cfg config.AuditConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return sqlite.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("auditlog: unsupported driver %q", cfg.Driver)
	}
}

// Record writes one entry. Failures are returned rather than swallowed so
// the admin handler can decide whether an audit-write failure should
// still let the underlying action (already applied) report success.
func (r *Recorder) Record(ctx context.Context, action Action, mount, target, remote string, success bool, detail string) error {
	entry := &Entry{
		Action:  action,
		Mount:   mount,
		Target:  target,
		Remote:  remote,
		Success: success,
		Detail:  detail,
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("auditlog: recording %s: %w", action, err)
	}
	return nil
}

// Recent returns the most recent n audit entries, newest first, for the
// admin status surface.
func (r *Recorder) Recent(ctx context.Context, n int) ([]Entry, error) {
	var entries []Entry
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(n).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("auditlog: listing recent entries: %w", err)
	}
	return entries, nil
}

// Since returns every entry recorded at or after cutoff, newest first,
// capped at n rows.
func (r *Recorder) Since(ctx context.Context, cutoff time.Time, n int) ([]Entry, error) {
	var entries []Entry
	if err := r.db.WithContext(ctx).Where("created_at >= ?", cutoff).Order("created_at DESC").Limit(n).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("auditlog: listing entries since %s: %w", cutoff, err)
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
