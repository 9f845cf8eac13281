package records

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anthive/orchestrator/common/db"
	"github.com/anthive/orchestrator/common/faults"
)

// PostgresStore backs the record primitive with the records table.
// Revisions implement CAS: Update only matches rows at the expected
// revision, so concurrent writers see exactly one winner.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a postgres-backed record store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Put inserts a new record at revision 1
func (s *PostgresStore) Put(ctx context.Context, partition, key string, doc []byte) error {
	query := `
		INSERT INTO records (partition, key, doc, revision)
		VALUES ($1, $2, $3, 1)
	`

	_, err := s.db.Exec(ctx, query, partition, key, doc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return faults.Conflict("record %s/%s already exists", partition, key)
		}
		return faults.Transient(err, "put record %s/%s", partition, key)
	}
	return nil
}

// Get returns the record or not_found
func (s *PostgresStore) Get(ctx context.Context, partition, key string) (*Record, error) {
	query := `
		SELECT partition, key, doc, revision, created_at, updated_at
		FROM records
		WHERE partition = $1 AND key = $2
	`

	rec := &Record{}
	err := s.db.QueryRow(ctx, query, partition, key).Scan(
		&rec.Partition,
		&rec.Key,
		&rec.Doc,
		&rec.Revision,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("record %s/%s not found", partition, key)
		}
		return nil, faults.Transient(err, "get record %s/%s", partition, key)
	}
	return rec, nil
}

// Update replaces the document iff the stored revision matches.
// GREATEST keeps updated_at monotonic even across clock skew between
// replicas.
func (s *PostgresStore) Update(ctx context.Context, partition, key string, doc []byte, expectedRevision int64) (int64, error) {
	query := `
		UPDATE records
		SET doc = $4,
		    revision = revision + 1,
		    updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
		WHERE partition = $1 AND key = $2 AND revision = $3
		RETURNING revision
	`

	var revision int64
	err := s.db.QueryRow(ctx, query, partition, key, expectedRevision, doc).Scan(&revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row absent or revision moved; disambiguate for the caller.
			if _, getErr := s.Get(ctx, partition, key); getErr != nil {
				return 0, getErr
			}
			return 0, faults.Conflict("record %s/%s moved past revision %d", partition, key, expectedRevision)
		}
		return 0, faults.Transient(err, "update record %s/%s", partition, key)
	}
	return revision, nil
}

// List returns up to limit records in a partition, most recently updated
// first.
func (s *PostgresStore) List(ctx context.Context, partition string, limit int) ([]*Record, error) {
	query := `
		SELECT partition, key, doc, revision, created_at, updated_at
		FROM records
		WHERE partition = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, query, partition, limit)
	if err != nil {
		return nil, faults.Transient(err, "list records in %s", partition)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(
			&rec.Partition,
			&rec.Key,
			&rec.Doc,
			&rec.Revision,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, faults.Transient(err, "scan record in %s", partition)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate records in %s", partition)
	}
	return out, nil
}

// Partitions lists the known partitions
func (s *PostgresStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT partition FROM records ORDER BY partition`)
	if err != nil {
		return nil, faults.Transient(err, "list partitions")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, faults.Transient(err, "scan partition")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "iterate partitions")
	}
	return out, nil
}

// Health reports backend reachability
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}
