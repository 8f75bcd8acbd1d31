package sis

import (
	"context"
	"fmt"
	"time"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/school"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// RosterSource fetches roster entries from the source system.
type RosterSource interface {
	FetchRoster(ctx context.Context, schoolCode string, since time.Time) ([]RosterEntry, error)
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q database.Querier) error) error
}

// ImportStats summarizes one roster import run.
type ImportStats struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Importer reconciles SIS rosters into the student table. Imported records
// go through the same transactional write path as manual ones, so each
// change leaves a ledger entry.
type Importer struct {
	source RosterSource
	repo   *school.Repository
	ledger audit.Ledger
	tx     TxRunner
}

// NewImporter creates a roster importer.
func NewImporter(source RosterSource, repo *school.Repository, ledger audit.Ledger, tx TxRunner) *Importer {
	return &Importer{source: source, repo: repo, ledger: ledger, tx: tx}
}

// ImportSchool pulls the roster for one school and upserts its students.
// The actor should identify the system account running the import.
func (i *Importer) ImportSchool(ctx context.Context, target *school.School, since time.Time, actor audit.Actor) (ImportStats, error) {
	var stats ImportStats

	entries, err := i.source.FetchRoster(ctx, target.Code, since)
	if err != nil {
		return stats, fmt.Errorf("fetch roster for %s: %w", target.Code, err)
	}
	stats.Fetched = len(entries)

	for _, entry := range entries {
		if entry.ExternalID == "" || entry.FirstName == "" || entry.LastName == "" {
			stats.Skipped++
			continue
		}

		existing, err := i.repo.FindStudentByExternalID(ctx, target.ID, entry.ExternalID)
		switch {
		case err == nil:
			changed, err := i.update(ctx, existing, entry, actor)
			if err != nil {
				return stats, err
			}
			if changed {
				stats.Updated++
			} else {
				stats.Skipped++
			}
		case errors.Is(err, errors.ErrNotFound):
			if err := i.create(ctx, target, entry, actor); err != nil {
				return stats, err
			}
			stats.Created++
		default:
			return stats, err
		}
	}

	return stats, nil
}

func (i *Importer) create(ctx context.Context, target *school.School, entry RosterEntry, actor audit.Actor) error {
	student := &school.Student{
		ID:         types.NewID(),
		FirstName:  entry.FirstName,
		LastName:   entry.LastName,
		ExternalID: entry.ExternalID,
		SchoolID:   target.ID,
		CreatedBy:  actor.ID,
	}

	return i.tx.WithTx(ctx, func(q database.Querier) error {
		if err := i.repo.CreateStudent(ctx, q, student); err != nil {
			return err
		}
		e := audit.NewEntry(actor, audit.ActionCreate, "students", &student.ID,
			nil, map[string]any{
				"external_id": entry.ExternalID,
				"school_id":   target.ID.String(),
			}, "Imported student from SIS roster")
		return i.ledger.Append(ctx, q, e)
	})
}

func (i *Importer) update(ctx context.Context, existing *school.Student, entry RosterEntry, actor audit.Actor) (bool, error) {
	if existing.FirstName == entry.FirstName && existing.LastName == entry.LastName {
		return false, nil
	}

	before := map[string]any{
		"first_name": existing.FirstName,
		"last_name":  existing.LastName,
	}
	existing.FirstName = entry.FirstName
	existing.LastName = entry.LastName

	err := i.tx.WithTx(ctx, func(q database.Querier) error {
		if err := i.repo.UpdateStudent(ctx, q, existing); err != nil {
			return err
		}
		e := audit.NewEntry(actor, audit.ActionUpdate, "students", &existing.ID,
			before, map[string]any{
				"first_name": existing.FirstName,
				"last_name":  existing.LastName,
			}, "Updated student from SIS roster")
		return i.ledger.Append(ctx, q, e)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
