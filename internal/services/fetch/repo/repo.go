// Package repo provides sqlite access for fetch operation state
package repo

import (
	"context"
	"errors"
	"time"

	"recap/internal/modkit/repokit"
	perr "recap/internal/platform/errors"
	"recap/internal/platform/store"
	"recap/internal/services/fetch/domain"
)

type (
	// SQLite is a sqlite binder for domain.StateRepo
	SQLite  struct{}
	queries struct{ q repokit.Queryer }
)

// NewSQLite returns a sqlite binder for domain.StateRepo
func NewSQLite() repokit.Binder[domain.StateRepo] { return SQLite{} }

// Bind implements repokit.Binder
func (SQLite) Bind(q repokit.Queryer) domain.StateRepo { return &queries{q: q} }

const timeLayout = "2006-01-02T15:04:05.000Z"

func stamp(t time.Time) string { return t.UTC().Format(timeLayout) }

func unstamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateOperation inserts a new pending operation row
func (r *queries) CreateOperation(ctx context.Context, op domain.Operation) error {
	now := stamp(time.Now())
	_, err := r.q.Exec(ctx, `
		INSERT INTO operations (id, kind, user, org, author, since, until, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Kind, op.User, op.Org, op.Author,
		stamp(op.Since), stamp(op.Until), string(domain.OpPending), now, now)
	return perr.WrapIf(err, perr.ErrorCodeDB, "create operation")
}

const operationCols = `
	id, kind, user, COALESCE(org,''), COALESCE(author,''),
	since, until, status,
	total_repos, completed_repos, failed_repos,
	COALESCE(error_msg,''), created_at, updated_at`

func scanOperation(row store.Row) (domain.Operation, error) {
	var op domain.Operation
	var since, until, status, createdAt, updatedAt string
	err := row.Scan(&op.ID, &op.Kind, &op.User, &op.Org, &op.Author,
		&since, &until, &status,
		&op.TotalRepos, &op.CompletedRepos, &op.FailedRepos,
		&op.ErrorMsg, &createdAt, &updatedAt)
	if err != nil {
		return domain.Operation{}, err
	}
	op.Since = unstamp(since)
	op.Until = unstamp(until)
	op.Status = domain.OperationStatus(status)
	op.CreatedAt = unstamp(createdAt)
	op.UpdatedAt = unstamp(updatedAt)
	return op, nil
}

// GetOperation loads one operation by id
func (r *queries) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	op, err := store.One(ctx, r.q, scanOperation,
		`SELECT `+operationCols+` FROM operations WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, perr.ErrNotFound) {
			return domain.Operation{}, perr.NotFoundf("operation %s not found", id)
		}
		return domain.Operation{}, perr.Wrap(err, perr.ErrorCodeDB, "get operation")
	}
	return op, nil
}

// UpdateOperationStatus moves the operation to status and records errMsg
func (r *queries) UpdateOperationStatus(ctx context.Context, id string, status domain.OperationStatus, errMsg string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE operations
		SET status = ?, error_msg = NULLIF(?, ''), updated_at = ?
		WHERE id = ?
	`, string(status), errMsg, stamp(time.Now()), id)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeDB, "update operation status")
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("operation %s not found", id)
	}
	return nil
}

// AddRepositories seeds one pending progress row per repo (idempotent)
func (r *queries) AddRepositories(ctx context.Context, id string, repos []string, chunksTotal int) error {
	now := stamp(time.Now())
	for _, repo := range repos {
		_, err := r.q.Exec(ctx, `
			INSERT INTO repository_progress (operation_id, repo, status, chunks_total, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (operation_id, repo) DO NOTHING
		`, id, repo, string(domain.RepoPending), chunksTotal, now)
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeDB, "add repository %s", repo)
		}
	}
	_, err := r.q.Exec(ctx, `
		UPDATE operations
		SET total_repos = (SELECT COUNT(*) FROM repository_progress WHERE operation_id = ?),
		    updated_at = ?
		WHERE id = ?
	`, id, now, id)
	return perr.WrapIf(err, perr.ErrorCodeDB, "update total repos")
}

// UpdateRepoProgress records one repository's state transition
func (r *queries) UpdateRepoProgress(
	ctx context.Context, id, repo string, status domain.RepoStatus, commitCount int, errMsg string,
) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE repository_progress
		SET status = ?, commit_count = ?, error_msg = NULLIF(?, ''), updated_at = ?
		WHERE operation_id = ? AND repo = ?
	`, string(status), commitCount, errMsg, stamp(time.Now()), id, repo)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeDB, "update progress for %s", repo)
	}
	if tag.RowsAffected() == 0 {
		return perr.NotFoundf("no progress row for %s in operation %s", repo, id)
	}
	return nil
}

// UpdateChunkProgress records how far a repository's chunk walk has gotten
func (r *queries) UpdateChunkProgress(ctx context.Context, id, repo string, chunksTotal, chunksDone int) error {
	_, err := r.q.Exec(ctx, `
		UPDATE repository_progress
		SET chunks_total = ?, chunks_done = ?, updated_at = ?
		WHERE operation_id = ? AND repo = ?
	`, chunksTotal, chunksDone, stamp(time.Now()), id, repo)
	return perr.WrapIf(err, perr.ErrorCodeDB, "update chunk progress")
}

// PendingRepositories returns repos that still need work, in insertion order
// failed repos are included so a resume retries them
func (r *queries) PendingRepositories(ctx context.Context, id string) ([]string, error) {
	out, err := store.Many(ctx, r.q, func(row store.Row) (string, error) {
		var repo string
		err := row.Scan(&repo)
		return repo, err
	}, `
		SELECT repo FROM repository_progress
		WHERE operation_id = ? AND status IN ('pending', 'in_progress', 'failed')
		ORDER BY rowid
	`, id)
	return out, perr.WrapIf(err, perr.ErrorCodeDB, "pending repositories")
}

// Repositories returns every progress row for the operation, in insertion order
func (r *queries) Repositories(ctx context.Context, id string) ([]domain.RepositoryProgress, error) {
	out, err := store.Many(ctx, r.q, func(row store.Row) (domain.RepositoryProgress, error) {
		var p domain.RepositoryProgress
		var status, updatedAt string
		if err := row.Scan(&p.OperationID, &p.Repo, &status, &p.ChunksTotal, &p.ChunksDone,
			&p.CommitCount, &p.ErrorMsg, &updatedAt); err != nil {
			return p, err
		}
		p.Status = domain.RepoStatus(status)
		p.UpdatedAt = unstamp(updatedAt)
		return p, nil
	}, `
		SELECT operation_id, repo, status, chunks_total, chunks_done, commit_count,
		       COALESCE(error_msg,''), updated_at
		FROM repository_progress WHERE operation_id = ? ORDER BY rowid
	`, id)
	return out, perr.WrapIf(err, perr.ErrorCodeDB, "repositories")
}

// RefreshCounters recomputes repo counters from the progress rows
func (r *queries) RefreshCounters(ctx context.Context, id string) (total, completed, failed int, err error) {
	_, err = r.q.Exec(ctx, `
		UPDATE operations SET
			completed_repos = (SELECT COUNT(*) FROM repository_progress WHERE operation_id = ? AND status = 'completed'),
			failed_repos    = (SELECT COUNT(*) FROM repository_progress WHERE operation_id = ? AND status = 'failed'),
			updated_at = ?
		WHERE id = ?
	`, id, id, stamp(time.Now()), id)
	if err != nil {
		return 0, 0, 0, perr.Wrap(err, perr.ErrorCodeDB, "refresh counters")
	}
	row := r.q.QueryRow(ctx,
		`SELECT total_repos, completed_repos, failed_repos FROM operations WHERE id = ?`, id)
	if err := row.Scan(&total, &completed, &failed); err != nil {
		return 0, 0, 0, perr.Wrap(err, perr.ErrorCodeDB, "read counters")
	}
	return total, completed, failed, nil
}

// ListOperations returns the most recent operations, newest first
func (r *queries) ListOperations(ctx context.Context, limit int) ([]domain.Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := store.Many(ctx, r.q, scanOperation,
		`SELECT `+operationCols+` FROM operations ORDER BY created_at DESC LIMIT ?`, limit)
	return out, perr.WrapIf(err, perr.ErrorCodeDB, "list operations")
}

// DeleteOperationsBefore removes terminal operations created before cutoff
// progress rows go with them via the cascade
func (r *queries) DeleteOperationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM operations
		WHERE created_at < ? AND status IN ('completed', 'failed', 'partial')
	`, stamp(cutoff))
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeDB, "delete old operations")
	}
	return int(tag.RowsAffected()), nil
}
