package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
)

// AccountRepo persists domain.Account rows.
type AccountRepo struct{ q querier }

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a domain.Account) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_principal, label, session_material, state, last_validated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerPrincipal, a.Label, a.SessionMaterial, string(a.State), nullTime(a.LastValidatedAt))
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "account_create", err)
	}
	return nil
}

// Get loads a single account by ID.
func (r *AccountRepo) Get(ctx context.Context, id string) (domain.Account, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, owner_principal, label, session_material, state, last_validated_at
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// List returns every account row.
func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, owner_principal, label, session_material, state, last_validated_at FROM accounts`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "account_list", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompareAndSwapState performs the atomic state transition the account FSM
// relies on: it succeeds only if the row's current state still matches
// from, returning false (not an error) on a lost race.
func (r *AccountRepo) CompareAndSwapState(ctx context.Context, id string, from, to domain.AccountState) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE accounts SET state = ? WHERE id = ? AND state = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindStorageUnavailable, "account_cas_state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindStorageUnavailable, "account_cas_rows", err)
	}
	return n == 1, nil
}

// TouchValidated records a successful credential validation timestamp.
func (r *AccountRepo) TouchValidated(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE accounts SET last_validated_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "account_touch_validated", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var state string
	var lastValidated sql.NullTime
	err := row.Scan(&a.ID, &a.OwnerPrincipal, &a.Label, &a.SessionMaterial, &state, &lastValidated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, coreerr.New(coreerr.KindNotFound, "account_not_found", "account not found")
	}
	if err != nil {
		return domain.Account{}, coreerr.Wrap(coreerr.KindStorageUnavailable, "account_scan", err)
	}
	a.State = domain.AccountState(state)
	if lastValidated.Valid {
		a.LastValidatedAt = lastValidated.Time
	}
	return a, nil
}

func scanAccountRows(rows *sql.Rows) (domain.Account, error) {
	var a domain.Account
	var state string
	var lastValidated sql.NullTime
	if err := rows.Scan(&a.ID, &a.OwnerPrincipal, &a.Label, &a.SessionMaterial, &state, &lastValidated); err != nil {
		return domain.Account{}, fmt.Errorf("relstore: scan account row: %w", err)
	}
	a.State = domain.AccountState(state)
	if lastValidated.Valid {
		a.LastValidatedAt = lastValidated.Time
	}
	return a, nil
}
