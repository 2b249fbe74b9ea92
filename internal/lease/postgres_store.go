package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/leasebroker/internal/interval"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists offers and contracts in PostgreSQL. Exclusive runs
// fn inside a transaction holding a transaction-scoped advisory lock on the
// key, which serializes brokers that share the database.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool, db: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetOffer(ctx context.Context, uuid string) (Offer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE uuid = $1`, uuid)
	found, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, &NotFoundError{Kind: KindOffer, ID: uuid}
	}
	return found, err
}

func (s *PostgresStore) FindOffersByName(ctx context.Context, name string) ([]Offer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT `+offerColumns+`
FROM offers
WHERE name = $1
ORDER BY start_time ASC, uuid ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("query offers by name: %w", err)
	}
	return collectOffers(rows)
}

func (s *PostgresStore) ListOffers(ctx context.Context, filter OfferFilter) ([]Offer, error) {
	where := newWhereBuilder()
	where.eq("project_id", filter.ProjectID)
	where.eq("resource_type", filter.ResourceType)
	where.eq("resource_uuid", filter.ResourceUUID)
	where.in("status", offerStatusStrings(filter.Statuses))
	where.overlaps(filter.Window)

	rows, err := s.db.Query(ctx, `
SELECT `+offerColumns+`
FROM offers`+where.sql()+`
ORDER BY start_time ASC, uuid ASC`, where.args...)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	return collectOffers(rows)
}

func (s *PostgresStore) CreateOffer(ctx context.Context, offer Offer) (Offer, error) {
	properties, err := encodeProperties(offer.Properties)
	if err != nil {
		return Offer{}, err
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO offers (
	uuid, name, project_id, resource_type, resource_uuid,
	start_time, end_time, status, properties, created_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9::jsonb, NOW()
)
RETURNING `+offerColumns,
		offer.UUID,
		nullableString(offer.Name),
		offer.ProjectID,
		offer.ResourceType,
		offer.ResourceUUID,
		offer.StartTime.UTC(),
		offer.EndTime.UTC(),
		offer.Status,
		properties,
	)
	created, err := scanOffer(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Offer{}, fmt.Errorf("offer %s already exists", offer.UUID)
		}
		return Offer{}, fmt.Errorf("insert offer: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateOfferStatus(ctx context.Context, uuid string, status OfferStatus) (Offer, error) {
	row := s.db.QueryRow(ctx, `
UPDATE offers
SET status = $2, updated_at = NOW()
WHERE uuid = $1
RETURNING `+offerColumns, uuid, status)
	updated, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, &NotFoundError{Kind: KindOffer, ID: uuid}
	}
	return updated, err
}

func (s *PostgresStore) DeleteOffer(ctx context.Context, uuid string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM offers WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("delete offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: KindOffer, ID: uuid}
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, uuid string) (Contract, error) {
	row := s.db.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE uuid = $1`, uuid)
	found, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, &NotFoundError{Kind: KindContract, ID: uuid}
	}
	return found, err
}

func (s *PostgresStore) FindContractsByName(ctx context.Context, name string) ([]Contract, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT `+contractColumns+`
FROM contracts
WHERE name = $1
ORDER BY start_time ASC, uuid ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("query contracts by name: %w", err)
	}
	return collectContracts(rows)
}

func (s *PostgresStore) ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	where := newWhereBuilder()
	where.eq("project_id", filter.ProjectID)
	where.eq("offer_uuid", filter.OfferUUID)
	where.in("status", contractStatusStrings(filter.Statuses))
	where.overlaps(filter.Window)

	rows, err := s.db.Query(ctx, `
SELECT `+contractColumns+`
FROM contracts`+where.sql()+`
ORDER BY start_time ASC, uuid ASC`, where.args...)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	return collectContracts(rows)
}

func (s *PostgresStore) CreateContract(ctx context.Context, contract Contract) (Contract, error) {
	properties, err := encodeProperties(contract.Properties)
	if err != nil {
		return Contract{}, err
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO contracts (
	uuid, name, project_id, offer_uuid,
	start_time, end_time, status, properties, created_at
) VALUES (
	$1, $2, $3, $4,
	$5, $6, $7, $8::jsonb, NOW()
)
RETURNING `+contractColumns,
		contract.UUID,
		nullableString(contract.Name),
		contract.ProjectID,
		contract.OfferUUID,
		contract.StartTime.UTC(),
		contract.EndTime.UTC(),
		contract.Status,
		properties,
	)
	created, err := scanContract(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgForeignKeyViolation:
				return Contract{}, &NotFoundError{Kind: KindOffer, ID: contract.OfferUUID}
			case pgUniqueViolation:
				return Contract{}, fmt.Errorf("contract %s already exists", contract.UUID)
			}
		}
		return Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateContractStatus(ctx context.Context, uuid string, status ContractStatus) (Contract, error) {
	row := s.db.QueryRow(ctx, `
UPDATE contracts
SET status = $2, updated_at = NOW()
WHERE uuid = $1
RETURNING `+contractColumns, uuid, status)
	updated, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, &NotFoundError{Kind: KindContract, ID: uuid}
	}
	return updated, err
}

func (s *PostgresStore) DeleteContract(ctx context.Context, uuid string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM contracts WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: KindContract, ID: uuid}
	}
	return nil
}

func (s *PostgresStore) ConflictingOffers(ctx context.Context, resourceType, resourceUUID string, window interval.Interval) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+offerColumns+`
FROM offers
WHERE
	resource_type = $1
	AND resource_uuid = $2
	AND status = $3
	AND start_time < $5
	AND $4 < end_time
ORDER BY start_time ASC, uuid ASC`,
		resourceType,
		resourceUUID,
		OfferStatusAvailable,
		window.Start,
		window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("query conflicting offers: %w", err)
	}
	return collectOffers(rows)
}

func (s *PostgresStore) BusyIntervals(ctx context.Context, offerUUID string) ([]interval.Interval, error) {
	rows, err := s.db.Query(ctx, `
SELECT start_time, end_time
FROM contracts
WHERE offer_uuid = $1 AND status IN ($2, $3)
ORDER BY start_time ASC`, offerUUID, ContractStatusCreated, ContractStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query busy intervals: %w", err)
	}
	defer rows.Close()

	var busy []interval.Interval
	for rows.Next() {
		var start, end time.Time
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		busy = append(busy, interval.New(start, end))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return busy, nil
}

func (s *PostgresStore) FirstAvailability(ctx context.Context, offerUUID string, earliest time.Time) (time.Time, bool, error) {
	offer, err := s.GetOffer(ctx, offerUUID)
	if err != nil {
		return time.Time{}, false, err
	}
	busy, err := s.BusyIntervals(ctx, offerUUID)
	if err != nil {
		return time.Time{}, false, err
	}
	return firstAvailability(offer, busy, earliest)
}

func (s *PostgresStore) Exclusive(ctx context.Context, key string, fn func(ctx context.Context, tx Store) error) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("exclusive key is required")
	}
	if s.inTx {
		if err := advisoryLock(ctx, s.db, key); err != nil {
			return err
		}
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := advisoryLock(ctx, tx, key); err != nil {
		return err
	}
	if err := fn(ctx, &PostgresStore{pool: s.pool, db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func advisoryLock(ctx context.Context, db querier, key string) error {
	if _, err := db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS offers (
	uuid TEXT PRIMARY KEY,
	name TEXT NULL,
	project_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_uuid TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	properties JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NULL,
	CHECK (start_time < end_time)
);

CREATE INDEX IF NOT EXISTS idx_offers_resource_window
ON offers (resource_type, resource_uuid, start_time, end_time);

CREATE INDEX IF NOT EXISTS idx_offers_name
ON offers (name);

CREATE TABLE IF NOT EXISTS contracts (
	uuid TEXT PRIMARY KEY,
	name TEXT NULL,
	project_id TEXT NOT NULL,
	offer_uuid TEXT NOT NULL REFERENCES offers (uuid),
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	properties JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NULL,
	CHECK (start_time < end_time)
);

CREATE INDEX IF NOT EXISTS idx_contracts_offer_status
ON contracts (offer_uuid, status, start_time);

CREATE INDEX IF NOT EXISTS idx_contracts_name
ON contracts (name);
`)
	if err != nil {
		return fmt.Errorf("initialize lease schema: %w", err)
	}
	return nil
}

const offerColumns = `
uuid,
name,
project_id,
resource_type,
resource_uuid,
start_time,
end_time,
status,
properties`

const contractColumns = `
uuid,
name,
project_id,
offer_uuid,
start_time,
end_time,
status,
properties`

func scanOffer(row pgx.Row) (Offer, error) {
	var item Offer
	var name *string
	var properties []byte
	err := row.Scan(
		&item.UUID,
		&name,
		&item.ProjectID,
		&item.ResourceType,
		&item.ResourceUUID,
		&item.StartTime,
		&item.EndTime,
		&item.Status,
		&properties,
	)
	if err != nil {
		return Offer{}, err
	}
	item.Name = deref(name)
	item.StartTime = item.StartTime.UTC()
	item.EndTime = item.EndTime.UTC()
	item.Properties, err = decodeProperties(properties)
	if err != nil {
		return Offer{}, fmt.Errorf("decode offer properties: %w", err)
	}
	return item, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var item Contract
	var name *string
	var properties []byte
	err := row.Scan(
		&item.UUID,
		&name,
		&item.ProjectID,
		&item.OfferUUID,
		&item.StartTime,
		&item.EndTime,
		&item.Status,
		&properties,
	)
	if err != nil {
		return Contract{}, err
	}
	item.Name = deref(name)
	item.StartTime = item.StartTime.UTC()
	item.EndTime = item.EndTime.UTC()
	item.Properties, err = decodeProperties(properties)
	if err != nil {
		return Contract{}, fmt.Errorf("decode contract properties: %w", err)
	}
	return item, nil
}

func collectOffers(rows pgx.Rows) ([]Offer, error) {
	defer rows.Close()
	items := make([]Offer, 0)
	for rows.Next() {
		item, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func collectContracts(rows pgx.Rows) ([]Contract, error) {
	defer rows.Close()
	items := make([]Contract, 0)
	for rows.Next() {
		item, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// whereBuilder accumulates AND-ed predicates with positional arguments.
type whereBuilder struct {
	clauses []string
	args    []any
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{}
}

func (w *whereBuilder) next(value any) string {
	w.args = append(w.args, value)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *whereBuilder) eq(column, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	w.clauses = append(w.clauses, column+" = "+w.next(value))
}

func (w *whereBuilder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	w.clauses = append(w.clauses, column+" = ANY("+w.next(values)+")")
}

func (w *whereBuilder) overlaps(window *interval.Interval) {
	if window == nil {
		return
	}
	w.clauses = append(w.clauses, "start_time < "+w.next(window.End))
	w.clauses = append(w.clauses, w.next(window.Start)+" < end_time")
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "\nWHERE " + strings.Join(w.clauses, "\n\tAND ")
}

func offerStatusStrings(statuses []OfferStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func contractStatusStrings(statuses []ContractStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func encodeProperties(properties map[string]any) ([]byte, error) {
	if len(properties) == 0 {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return encoded, nil
}

func decodeProperties(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
