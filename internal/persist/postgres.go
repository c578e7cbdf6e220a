package persist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/feedloader/internal/mapping"
)

// PoolConfig configures Connect.
type PoolConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PgStore stores records in PostgreSQL, one table per entity. Every table
// carries client_id and record_key columns; record_key is indexed but not
// unique so that the ignore strategy can store duplicates.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a store using pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func sqlType(t mapping.FieldType) string {
	switch t {
	case mapping.FieldInteger:
		return "bigint"
	case mapping.FieldNumeric:
		return "numeric"
	case mapping.FieldDate:
		return "date"
	case mapping.FieldDateTime:
		return "timestamptz"
	case mapping.FieldBool:
		return "boolean"
	}
	return "text"
}

// createTableSQL returns the DDL for schema's table and its key index.
func createTableSQL(schema *mapping.EntitySchema) []string {
	table := quoteIdentifier(schema.Table)
	cols := []string{
		"id bigserial PRIMARY KEY",
		"client_id text NOT NULL",
		"record_key text",
	}
	for _, f := range schema.Fields {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdentifier(f.ColumnName()), sqlType(f.Type)))
	}
	cols = append(cols,
		"created_at timestamptz NOT NULL DEFAULT now()",
		"updated_at timestamptz NOT NULL DEFAULT now()",
	)

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (client_id, record_key)",
			quoteIdentifier(schema.Table+"_client_key_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (client_id, updated_at)",
			quoteIdentifier(schema.Table+"_client_updated_idx"), table),
	}
}

const createOperationsSQL = `CREATE TABLE IF NOT EXISTS operations (
	id uuid PRIMARY KEY,
	kind text NOT NULL,
	client_id text NOT NULL,
	entity text NOT NULL,
	file_name text,
	status text NOT NULL,
	processed bigint NOT NULL DEFAULT 0,
	saved bigint NOT NULL DEFAULT 0,
	updated bigint NOT NULL DEFAULT 0,
	skipped bigint NOT NULL DEFAULT 0,
	failed bigint NOT NULL DEFAULT 0,
	row_errors bigint NOT NULL DEFAULT 0,
	error_message text,
	started_at timestamptz NOT NULL,
	completed_at timestamptz
)`

// Migrate creates the entity tables and the operation history table.
func (s *PgStore) Migrate(ctx context.Context, schemas ...*mapping.EntitySchema) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{createOperationsSQL}
	for _, schema := range schemas {
		stmts = append(stmts, createTableSQL(schema)...)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) ExistingKeys(ctx context.Context, clientID string, schema *mapping.EntitySchema, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(
		"SELECT record_key, max(id) FROM %s WHERE client_id = $1 AND record_key = ANY($2) GROUP BY record_key",
		quoteIdentifier(schema.Table),
	)
	rows, err := s.pool.Query(ctx, query, clientID, keys)
	if err != nil {
		return nil, fmt.Errorf("lookup %s keys: %w", schema.Type, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			id  int64
		)
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Write copies inserts with COPY and sends updates as one pgx batch, inside
// a single transaction.
func (s *PgStore) Write(ctx context.Context, clientID string, schema *mapping.EntitySchema, inserts []mapping.MappedRecord, updates []Update) error {
	if len(inserts) == 0 && len(updates) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(inserts) > 0 {
		columns := []string{"client_id", "record_key"}
		for _, f := range schema.Fields {
			columns = append(columns, f.ColumnName())
		}

		rows := make([][]any, len(inserts))
		for i, rec := range inserts {
			row := make([]any, 0, len(columns))
			row = append(row, clientID)
			if key, ok := RecordKey(schema, rec); ok {
				row = append(row, key)
			} else {
				row = append(row, nil)
			}
			for _, f := range schema.Fields {
				row = append(row, rec.Get(f.Name))
			}
			rows[i] = row
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{schema.Table}, columns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy %s: %w", schema.Type, err)
		}
	}

	if len(updates) > 0 {
		batch := &pgx.Batch{}
		for _, u := range updates {
			query, args := updateSQL(schema, u)
			batch.Queue(query, args...)
		}
		br := tx.SendBatch(ctx, batch)
		for range updates {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("update %s: %w", schema.Type, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("update %s: %w", schema.Type, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// updateSQL sets only the fields present in the record.
func updateSQL(schema *mapping.EntitySchema, u Update) (string, []any) {
	var (
		sets []string
		args []any
	)
	for _, f := range schema.Fields {
		if !u.Record.Has(f.Name) {
			continue
		}
		args = append(args, u.Record.Get(f.Name))
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdentifier(f.ColumnName()), len(args)))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, u.ID)
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		quoteIdentifier(schema.Table), strings.Join(sets, ", "), len(args)), args
}

// whereSQL builds the filter conditions shared by Fetch and Count. Args
// start at $1.
func whereSQL(schema *mapping.EntitySchema, f Filter, paginate bool) (string, []any, error) {
	conds := []string{"client_id = $1"}
	args := []any{f.ClientID}

	if paginate && f.AfterID > 0 {
		args = append(args, f.AfterID)
		conds = append(conds, fmt.Sprintf("id > $%d", len(args)))
	}
	if !f.UpdatedSince.IsZero() {
		args = append(args, f.UpdatedSince)
		conds = append(conds, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	for field, sub := range f.Contains {
		spec, ok := schema.Field(field)
		if !ok {
			return "", nil, fmt.Errorf("filter on unknown field %q", field)
		}
		args = append(args, "%"+escapeLike(sub)+"%")
		conds = append(conds, fmt.Sprintf("%s ILIKE $%d", quoteIdentifier(spec.ColumnName()), len(args)))
	}
	return strings.Join(conds, " AND "), args, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *PgStore) Fetch(ctx context.Context, schema *mapping.EntitySchema, filter Filter) ([]StoredRecord, error) {
	where, args, err := whereSQL(schema, filter, true)
	if err != nil {
		return nil, err
	}

	cols := []string{"id", "updated_at"}
	for _, f := range schema.Fields {
		cols = append(cols, quoteIdentifier(f.ColumnName()))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id",
		strings.Join(cols, ", "), quoteIdentifier(schema.Table), where)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", schema.Type, err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var sr StoredRecord
		holders := make([]any, len(schema.Fields))
		dest := []any{&sr.ID, &sr.UpdatedAt}
		for i, f := range schema.Fields {
			holders[i] = scanHolder(f.Type)
			dest = append(dest, holders[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", schema.Type, err)
		}

		sr.Record = mapping.NewRecord(schema.Type, 0)
		for i, f := range schema.Fields {
			if v, ok := holderValue(holders[i]); ok {
				sr.Record.Set(f.Name, v)
			}
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *PgStore) Count(ctx context.Context, schema *mapping.EntitySchema, filter Filter) (int64, error) {
	where, args, err := whereSQL(schema, filter, false)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", quoteIdentifier(schema.Table), where)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", schema.Type, err)
	}
	return n, nil
}

func scanHolder(t mapping.FieldType) any {
	switch t {
	case mapping.FieldInteger:
		return &pgtype.Int8{}
	case mapping.FieldNumeric:
		return &pgtype.Numeric{}
	case mapping.FieldDate:
		return &pgtype.Date{}
	case mapping.FieldDateTime:
		return &pgtype.Timestamptz{}
	case mapping.FieldBool:
		return &pgtype.Bool{}
	}
	return &pgtype.Text{}
}

// holderValue converts a scanned holder back to the value type the mapper
// produces for the field.
func holderValue(h any) (any, bool) {
	switch v := h.(type) {
	case *pgtype.Text:
		return v.String, v.Valid
	case *pgtype.Int8:
		return v.Int64, v.Valid
	case *pgtype.Numeric:
		return *v, v.Valid
	case *pgtype.Date:
		return v.Time, v.Valid
	case *pgtype.Timestamptz:
		return v.Time.UTC(), v.Valid
	case *pgtype.Bool:
		return v.Bool, v.Valid
	}
	return nil, false
}

// RecordOperation upserts the operation history row.
func (s *PgStore) RecordOperation(ctx context.Context, op OperationRecord) error {
	var completed pgtype.Timestamptz
	if !op.CompletedAt.IsZero() {
		completed = pgtype.Timestamptz{Time: op.CompletedAt, Valid: true}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operations (id, kind, client_id, entity, file_name, status,
			processed, saved, updated, skipped, failed, row_errors,
			error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			saved = EXCLUDED.saved,
			updated = EXCLUDED.updated,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			row_errors = EXCLUDED.row_errors,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at`,
		op.ID, op.Kind, op.ClientID, op.Entity, op.FileName, op.Status,
		op.Processed, op.Saved, op.Updated, op.Skipped, op.Failed, op.RowErrors,
		op.ErrorMessage, op.StartedAt, completed,
	)
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}
