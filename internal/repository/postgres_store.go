// internal/repository/postgres_store.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation  = "23505"
	defaultListPage    = 100
	transactionColumns = `
        transaction_id, provider, correlation_id, COALESCE(secondary_id, ''),
        amount::text, currency, subject_id, reference_id,
        status, status_detail, receipt_ref,
        created_at, updated_at, terminal_at, settled_at, raw_provider_payload`
)

// PostgresStore keeps records in the transactions table (see migrations/).
// Row locks taken by SELECT ... FOR UPDATE give the per-key serialization.
type PostgresStore struct {
	db       *pgxpool.Pool
	pageSize int
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, pageSize: defaultListPage}
}

func (r *PostgresStore) Put(ctx context.Context, rec domain.Transaction) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	query := `
        INSERT INTO transactions (
            transaction_id, provider, correlation_id, secondary_id,
            amount, currency, subject_id, reference_id,
            status, status_detail, receipt_ref,
            created_at, updated_at, terminal_at, settled_at, raw_provider_payload
        ) VALUES ($1, $2, $3, NULLIF($4, ''), $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
    `
	_, err := r.db.Exec(ctx, query,
		rec.TransactionID,
		string(rec.Provider),
		rec.CorrelationID,
		rec.SecondaryID,
		rec.Amount.String(),
		rec.Currency,
		rec.SubjectID,
		rec.ReferenceID,
		string(rec.Status),
		rec.StatusDetail,
		rec.ReceiptRef,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.TerminalAt,
		rec.SettledAt,
		nullableJSON(rec.RawProviderPayload),
	)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, rec.Key())
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetByCorrelationID(ctx context.Context, key domain.Key) (domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider = $1 AND correlation_id = $2`
	return r.getOne(ctx, key.String(), query, string(key.Provider), key.CorrelationID)
}

func (r *PostgresStore) FindBySecondaryID(ctx context.Context, provider domain.Provider, secondaryID string) (domain.Transaction, error) {
	if secondaryID == "" {
		return domain.Transaction{}, fmt.Errorf("%w: empty secondary id", domain.ErrNotFound)
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider = $1 AND secondary_id = $2`
	return r.getOne(ctx, "secondary_id "+secondaryID, query, string(provider), secondaryID)
}

func (r *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE transaction_id = $1`
	return r.getOne(ctx, "transaction_id "+transactionID, query, transactionID)
}

func (r *PostgresStore) getOne(ctx context.Context, what, query string, args ...any) (domain.Transaction, error) {
	rec, err := scanTransaction(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("select transaction: %w", err)
	}
	return rec, nil
}

func (r *PostgresStore) Update(ctx context.Context, key domain.Key, mutate Mutator) (domain.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + transactionColumns + `
        FROM transactions WHERE provider = $1 AND correlation_id = $2
        FOR UPDATE`
	current, err := scanTransaction(tx.QueryRow(ctx, query, string(key.Provider), key.CorrelationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("lock transaction: %w", err)
	}

	next, changed, err := applyMutator(current, mutate)
	if err != nil {
		return current, err
	}
	if !changed {
		return current, nil
	}

	update := `
        UPDATE transactions
        SET
            secondary_id = NULLIF($3, ''),
            amount = $4::text::numeric,
            currency = $5,
            status = $6,
            status_detail = $7,
            receipt_ref = $8,
            updated_at = $9,
            terminal_at = $10,
            settled_at = $11,
            raw_provider_payload = $12
        WHERE provider = $1 AND correlation_id = $2
    `
	_, err = tx.Exec(ctx, update,
		string(key.Provider),
		key.CorrelationID,
		next.SecondaryID,
		next.Amount.String(),
		next.Currency,
		string(next.Status),
		next.StatusDetail,
		next.ReceiptRef,
		next.UpdatedAt,
		next.TerminalAt,
		next.SettledAt,
		nullableJSON(next.RawProviderPayload),
	)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return current, fmt.Errorf("%w: secondary_id %s", domain.ErrDuplicateKey, next.SecondaryID)
		}
		return current, fmt.Errorf("update transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return current, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// List pages through the table with a keyset cursor so only one page is held
// in memory at a time.
func (r *PostgresStore) List(ctx context.Context, f Filter) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var (
			cursor  *domain.Transaction
			emitted int
		)
		for {
			query, args := r.listQuery(f, cursor)
			page, err := r.queryPage(ctx, query, args)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for i := range page {
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
				if !yield(page[i], nil) {
					return
				}
				emitted++
			}
			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &last
		}
	}
}

func (r *PostgresStore) listQuery(f Filter, cursor *domain.Transaction) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Provider != "" {
		where = append(where, "provider = "+arg(string(f.Provider)))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}
	if cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, provider, correlation_id) < (%s, %s, %s)",
			arg(cursor.CreatedAt), arg(string(cursor.Provider)), arg(cursor.CorrelationID)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, provider DESC, correlation_id DESC LIMIT " + arg(r.pageSize)
	return query, args
}

func (r *PostgresStore) queryPage(ctx context.Context, query string, args []any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var page []domain.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		rec              domain.Transaction
		provider, status string
		amount           string
		terminalAt       *time.Time
		settledAt        *time.Time
		raw              []byte
	)
	err := row.Scan(
		&rec.TransactionID,
		&provider,
		&rec.CorrelationID,
		&rec.SecondaryID,
		&amount,
		&rec.Currency,
		&rec.SubjectID,
		&rec.ReferenceID,
		&status,
		&rec.StatusDetail,
		&rec.ReceiptRef,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&terminalAt,
		&settledAt,
		&raw,
	)
	if err != nil {
		return domain.Transaction{}, err
	}

	rec.Provider = domain.Provider(provider)
	rec.Status = domain.Status(status)
	rec.CreatedAt = domain.Timestamp(rec.CreatedAt)
	rec.UpdatedAt = domain.Timestamp(rec.UpdatedAt)
	rec.TerminalAt = utcPtr(terminalAt)
	rec.SettledAt = utcPtr(settledAt)
	if len(raw) > 0 {
		rec.RawProviderPayload = raw
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := domain.Timestamp(*t)
	return &ts
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "unknown"
}
