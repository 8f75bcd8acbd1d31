// Package sis pulls student rosters from the legacy student information
// system, which lives in SQL Server.
package sis

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver

	"github.com/edu-gov/platform/internal/shared/config"
)

// RosterEntry is one student row as the source system reports it.
type RosterEntry struct {
	ExternalID string
	FirstName  string
	LastName   string
	ClassName  string
	UpdatedAt  time.Time
}

// Adapter reads rosters from the SIS database.
type Adapter struct {
	cfg config.SISConfig

	mu      sync.RWMutex
	db      *sql.DB
	running bool
}

// New creates a new SIS adapter. Call Start before fetching.
func New(cfg config.SISConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Start opens the connection pool and verifies connectivity.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("sis adapter already running")
	}

	connStr := fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s",
		a.cfg.Host, a.cfg.Port, a.cfg.Database, a.cfg.User, a.cfg.Password)
	if a.cfg.Encrypt {
		connStr += ";encrypt=true;TrustServerCertificate=true"
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return fmt.Errorf("failed to open sis database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping sis database: %w", err)
	}

	a.db = db
	a.running = true
	return nil
}

// Stop closes the connection pool.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false
	return a.db.Close()
}

// Health checks database connectivity.
func (a *Adapter) Health(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return fmt.Errorf("sis adapter not running")
	}
	return a.db.PingContext(ctx)
}

// FetchRoster retrieves the enrolled students of one school, changed since
// the given time. Pass the zero time for a full roster.
func (a *Adapter) FetchRoster(ctx context.Context, schoolCode string, since time.Time) ([]RosterEntry, error) {
	a.mu.RLock()
	db := a.db
	running := a.running
	a.mu.RUnlock()

	if !running {
		return nil, fmt.Errorf("sis adapter not connected")
	}

	query := `
		SELECT
			s.StudentNumber,
			s.FirstName,
			s.LastName,
			ISNULL(s.ClassName, ''),
			s.LastModified
		FROM dbo.Students s
		INNER JOIN dbo.Schools sch ON sch.SchoolID = s.SchoolID
		WHERE sch.SchoolCode = @code
		  AND s.Active = 1
		  AND s.LastModified > @since
		ORDER BY s.LastModified ASC`

	rows, err := db.QueryContext(ctx, query,
		sql.Named("code", schoolCode),
		sql.Named("since", since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query roster: %w", err)
	}
	defer rows.Close()

	var entries []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.ExternalID, &e.FirstName, &e.LastName, &e.ClassName, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
