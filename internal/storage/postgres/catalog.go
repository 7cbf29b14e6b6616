package postgres

import (
	"context"
	"sort"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

// catalogLockKey serializes catalog flushes across processes.
const catalogLockKey int64 = 0x6f6e616972

// FindBySubjects returns the stored items for ids.
func (s *Store) FindBySubjects(ctx context.Context, ids []collector.SubjectID) (collector.Catalog, error) {
	out := make(collector.Catalog, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	rows, err := s.pool.Query(ctx, `SELECT subject, data FROM on_air WHERE subject = ANY($1)`, keys)
	if err != nil {
		return nil, &collector.PersistenceError{Op: "select catalog", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			subject int64
			data    []byte
		)
		if err := rows.Scan(&subject, &data); err != nil {
			return nil, &collector.PersistenceError{Op: "scan catalog", Err: err}
		}
		var item collector.CatalogItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, &collector.PersistenceError{Op: "decode catalog item", Err: err}
		}
		out[collector.SubjectID(subject)] = item
	}
	if err := rows.Err(); err != nil {
		return nil, &collector.PersistenceError{Op: "select catalog", Err: err}
	}
	return out, nil
}

// Flush upserts every item and the checkpoint in one transaction. An advisory
// lock keeps concurrent flushes from interleaving.
func (s *Store) Flush(ctx context.Context, checkpoint collector.Checkpoint, items collector.Catalog) error {
	subjects := make([]int64, 0, len(items))
	for id := range items {
		subjects = append(subjects, int64(id))
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	payloads := make([]string, len(subjects))
	for i, id := range subjects {
		data, err := json.Marshal(items[collector.SubjectID(id)])
		if err != nil {
			return &collector.PersistenceError{Op: "encode catalog item", Err: err}
		}
		payloads[i] = string(data)
	}
	value, err := collector.EncodeCheckpoint(checkpoint)
	if err != nil {
		return &collector.PersistenceError{Op: "flush catalog", Err: err}
	}

	return s.inTx(ctx, "flush catalog", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, catalogLockKey); err != nil {
			return &collector.PersistenceError{Op: "lock catalog", Err: err}
		}
		if len(subjects) > 0 {
			_, err := tx.Exec(ctx, `
INSERT INTO on_air (subject, data)
SELECT * FROM unnest($1::bigint[], $2::jsonb[])
ON CONFLICT (subject) DO UPDATE SET data = EXCLUDED.data`,
				subjects, payloads,
			)
			if err != nil {
				return &collector.PersistenceError{Op: "upsert catalog", Err: err}
			}
		}
		return setKV(ctx, tx, collector.CheckpointKey, value)
	})
}
