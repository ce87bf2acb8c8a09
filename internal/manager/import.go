package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/moniwatch/moniwatch/internal/models"
)

// ImportAction is what happened to one imported job.
type ImportAction string

const (
	ImportCreated ImportAction = "created"
	ImportUpdated ImportAction = "updated"
	ImportSkipped ImportAction = "skipped"
	ImportFailed  ImportAction = "failed"
)

// ImportItem reports the outcome for one job of an import.
type ImportItem struct {
	Index  int          `json:"index"`
	JobID  int64        `json:"job_id,omitempty"`
	Name   string       `json:"name"`
	Action ImportAction `json:"action"`
	Error  string       `json:"error,omitempty"`
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Created int          `json:"created"`
	Updated int          `json:"updated"`
	Skipped int          `json:"skipped"`
	Failed  int          `json:"failed"`
	Items   []ImportItem `json:"items"`
}

// ErrImportFailed is returned when no job of an import could be applied.
var ErrImportFailed = errors.New("import failed for every job")

// Import creates the given jobs. A job whose ID already exists is updated
// when updateSupport is set and skipped otherwise. Jobs without an ID are
// always created.
func (m *Manager) Import(ctx context.Context, jobs []*models.Job, updateSupport bool, operator string) (*ImportReport, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs to import", models.ErrInvalidJob)
	}

	report := &ImportReport{Items: make([]ImportItem, 0, len(jobs))}
	for i, job := range jobs {
		if job == nil {
			report.add(ImportItem{Index: i, Action: ImportFailed, Error: "empty job definition"})
			continue
		}
		item := ImportItem{Index: i, JobID: job.ID, Name: job.Name()}

		exists := false
		if job.ID != 0 {
			_, err := m.store.GetJob(ctx, job.ID)
			switch {
			case err == nil:
				exists = true
			case !errors.Is(err, models.ErrJobNotFound):
				item.Action, item.Error = ImportFailed, err.Error()
				report.add(item)
				continue
			}
		}

		switch {
		case exists && !updateSupport:
			item.Action = ImportSkipped
		case exists:
			if _, err := m.Update(ctx, job, operator); err != nil {
				item.Action, item.Error = ImportFailed, err.Error()
			} else {
				item.Action = ImportUpdated
			}
		default:
			created, err := m.Create(ctx, job, operator)
			if err != nil {
				item.Action, item.Error = ImportFailed, err.Error()
			} else {
				item.Action, item.JobID = ImportCreated, created.ID
			}
		}
		report.add(item)
	}

	m.logger.Info().
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Str("operator", operatorOrSystem(operator)).
		Msg("Jobs imported")

	if report.Failed == len(jobs) {
		return report, ErrImportFailed
	}
	return report, nil
}

func (r *ImportReport) add(item ImportItem) {
	switch item.Action {
	case ImportCreated:
		r.Created++
	case ImportUpdated:
		r.Updated++
	case ImportSkipped:
		r.Skipped++
	case ImportFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}
