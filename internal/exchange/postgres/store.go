package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diyama/exchange-desk/internal/exchange"
	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("exchange/postgres: invalid config")

const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

const requestColumns = `
	request_id,
	user_identity,
	user_wallet_address,
	phone_number,
	full_name,
	source_amount::text,
	dest_amount::text,
	status,
	notes,
	created_at
`

// Store is the Postgres-backed exchange.Store. Every WithTx call is one
// SERIALIZABLE transaction; request rows are locked with FOR UPDATE.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("exchange/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx exchange.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("exchange/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uint64) (exchange.Request, error) {
	if s == nil || s.pool == nil {
		return exchange.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == 0 || id > maxBigint {
		return exchange.Request{}, exchange.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM exchange_requests WHERE request_id = $1`, int64(id))
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return exchange.Request{}, exchange.ErrNotFound
		}
		return exchange.Request{}, classify("get request", err)
	}
	return r, nil
}

func (s *Store) ListRequests(ctx context.Context, f exchange.ListFilter) ([]exchange.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	f = f.Normalized()
	if f.AfterID > maxBigint {
		return nil, nil
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	where = append(where, "request_id > "+arg(int64(f.AfterID)))
	if f.Status != exchange.StatusUnknown {
		where = append(where, "status = "+arg(int16(f.Status)))
	}
	if !f.Owner.IsZero() {
		where = append(where, "user_identity = "+arg(f.Owner[:]))
	}
	query := `SELECT ` + requestColumns + ` FROM exchange_requests WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY request_id ASC LIMIT ` + arg(f.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list requests", err)
	}
	defer rows.Close()

	out := make([]exchange.Request, 0, f.Limit)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list rows", err)
	}
	return out, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FindRequest(ctx context.Context, id uint64) (exchange.Request, error) {
	if id == 0 || id > maxBigint {
		return exchange.Request{}, exchange.ErrNotFound
	}
	row := t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM exchange_requests WHERE request_id = $1 FOR UPDATE`, int64(id))
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return exchange.Request{}, exchange.ErrNotFound
		}
		return exchange.Request{}, classify("find request", err)
	}
	return r, nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r exchange.Request) (exchange.Request, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO exchange_requests (
			user_identity,
			user_wallet_address,
			phone_number,
			full_name,
			source_amount,
			dest_amount,
			status,
			notes,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,$7,$8,$9,$9)
		RETURNING request_id
	`,
		r.Owner[:],
		r.WalletAddress,
		r.PhoneNumber,
		r.FullName,
		r.SourceAmount.String(),
		r.DestAmount.String(),
		int16(r.Status),
		r.Notes,
		r.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return exchange.Request{}, classify("insert request", err)
	}
	if id <= 0 {
		return exchange.Request{}, fmt.Errorf("exchange/postgres: invalid request id %d", id)
	}
	r.ID = uint64(id)
	return r, nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r exchange.Request) error {
	if r.ID == 0 || r.ID > maxBigint {
		return exchange.ErrNotFound
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE exchange_requests
		SET status = $2,
			notes = $3,
			updated_at = now()
		WHERE request_id = $1
	`, int64(r.ID), int16(r.Status), r.Notes)
	if err != nil {
		return classify("update request", err)
	}
	if tag.RowsAffected() == 0 {
		return exchange.ErrNotFound
	}
	return nil
}

func (t *pgTx) CountRequests(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM exchange_requests`).Scan(&n); err != nil {
		return 0, classify("count requests", err)
	}
	return n, nil
}

func (t *pgTx) FindAdmin(ctx context.Context, id identity.Identity) (exchange.Admin, error) {
	var addedAt time.Time
	err := t.tx.QueryRow(ctx, `SELECT added_at FROM exchange_admins WHERE identity = $1`, id[:]).Scan(&addedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return exchange.Admin{}, exchange.ErrNotFound
		}
		return exchange.Admin{}, classify("find admin", err)
	}
	return exchange.Admin{Identity: id, AddedAt: addedAt.UTC()}, nil
}

func (t *pgTx) InsertAdmin(ctx context.Context, a exchange.Admin) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO exchange_admins (identity, added_at) VALUES ($1,$2)
	`, a.Identity[:], a.AddedAt.UTC())
	if err != nil {
		return classify("insert admin", err)
	}
	return nil
}

func (t *pgTx) CountAdmins(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM exchange_admins`).Scan(&n); err != nil {
		return 0, classify("count admins", err)
	}
	return n, nil
}

const maxBigint = uint64(1<<63 - 1)

func scanRequest(row pgx.Row) (exchange.Request, error) {
	var (
		id        int64
		ownerRaw  []byte
		wallet    string
		phone     string
		fullName  string
		sourceRaw string
		destRaw   string
		status    int16
		notes     string
		createdAt time.Time
	)
	if err := row.Scan(&id, &ownerRaw, &wallet, &phone, &fullName, &sourceRaw, &destRaw, &status, &notes, &createdAt); err != nil {
		return exchange.Request{}, err
	}
	if id <= 0 {
		return exchange.Request{}, fmt.Errorf("exchange/postgres: invalid request id %d in db", id)
	}
	if len(ownerRaw) != len(identity.Identity{}) {
		return exchange.Request{}, fmt.Errorf("exchange/postgres: invalid identity length %d", len(ownerRaw))
	}
	var owner identity.Identity
	copy(owner[:], ownerRaw)

	source, err := decimal.NewFromString(sourceRaw)
	if err != nil {
		return exchange.Request{}, fmt.Errorf("exchange/postgres: parse source amount: %w", err)
	}
	dest, err := decimal.NewFromString(destRaw)
	if err != nil {
		return exchange.Request{}, fmt.Errorf("exchange/postgres: parse dest amount: %w", err)
	}
	st := exchange.Status(status)
	if !st.Valid() {
		return exchange.Request{}, fmt.Errorf("exchange/postgres: invalid status %d in db", status)
	}

	return exchange.Request{
		ID:            uint64(id),
		Owner:         owner,
		WalletAddress: wallet,
		PhoneNumber:   phone,
		FullName:      fullName,
		SourceAmount:  source,
		DestAmount:    dest,
		Status:        st,
		CreatedAt:     createdAt.UTC(),
		Notes:         notes,
	}, nil
}

// classify wraps driver errors, tagging conflicts the caller may want to
// distinguish in logs.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure:
			return fmt.Errorf("exchange/postgres: %s: serialization failure: %w", op, err)
		case pgUniqueViolation:
			return fmt.Errorf("exchange/postgres: %s: %w: %w", op, exchange.ErrDuplicate, err)
		}
	}
	return fmt.Errorf("exchange/postgres: %s: %w", op, err)
}
