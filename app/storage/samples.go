package storage

import (
	"context"
	"fmt"
	"iter"
	"log"

	"github.com/umputun/trie-spam/app/storage/engine"
	"github.com/umputun/trie-spam/lib"
	"github.com/umputun/trie-spam/lib/trie"
)

// Samples is a storage of training samples, both ham and spam. Preset samples are imported from
// training files, user samples are added one by one with update requests.
type Samples struct {
	*engine.SQL
	engine.RWLocker
}

// SampleOrigin represents the origin of the sample
type SampleOrigin string

// enum for sample origins
const (
	SampleOriginPreset SampleOrigin = "preset"
	SampleOriginUser   SampleOrigin = "user"
	SampleOriginAny    SampleOrigin = "any"
)

// SamplesStats returns statistics about samples
type SamplesStats struct {
	TotalSpam  int `db:"spam_count" json:"total_spam"`
	TotalHam   int `db:"ham_count" json:"total_ham"`
	PresetSpam int `db:"preset_spam_count" json:"preset_spam"`
	PresetHam  int `db:"preset_ham_count" json:"preset_ham"`
	UserSpam   int `db:"user_spam_count" json:"user_spam"`
	UserHam    int `db:"user_ham_count" json:"user_ham"`
}

// samples-related command constants
const (
	CmdCreateSamplesTable engine.DBCmd = iota + 500
	CmdCreateSamplesIndexes
	CmdUpsertSample
	CmdImportSample
)

var samplesQueries = engine.QueryMap{
	CmdCreateSamplesTable: {
		Sqlite: `CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			type TEXT CHECK (type IN ('ham', 'spam')),
			origin TEXT CHECK (origin IN ('preset', 'user')),
			message TEXT NOT NULL,
			UNIQUE(gid, message)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS samples (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			type TEXT CHECK (type IN ('ham', 'spam')),
			origin TEXT CHECK (origin IN ('preset', 'user')),
			message TEXT NOT NULL,
			message_hash TEXT GENERATED ALWAYS AS (encode(sha256(message::bytea), 'hex')) STORED,
			UNIQUE(gid, message_hash)
		)`,
	},
	CmdCreateSamplesIndexes: {
		Sqlite: `
			CREATE INDEX IF NOT EXISTS idx_samples_lookup ON samples(gid, type, origin);
			CREATE INDEX IF NOT EXISTS idx_samples_gid_ts ON samples(gid, timestamp)`,
	},
	// the same message added by user replaces any stored one
	CmdUpsertSample: {
		Sqlite: `INSERT OR REPLACE INTO samples (gid, type, origin, message) VALUES (?, ?, ?, ?)`,
		Postgres: `INSERT INTO samples (gid, type, origin, message) VALUES ($1, $2, $3, $4)
			ON CONFLICT (gid, message_hash) DO UPDATE SET type = EXCLUDED.type, origin = EXCLUDED.origin`,
	},
	// imported message never replaces a stored one, user samples survive re-import of presets
	CmdImportSample: {
		Sqlite:   `INSERT INTO samples (gid, type, origin, message) VALUES (?, ?, ?, ?) ON CONFLICT (gid, message) DO NOTHING`,
		Postgres: `INSERT INTO samples (gid, type, origin, message) VALUES ($1, $2, $3, $4) ON CONFLICT (gid, message_hash) DO NOTHING`,
	},
}

// NewSamples creates a new Samples storage
func NewSamples(ctx context.Context, db *engine.SQL) (*Samples, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Samples{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "samples",
		CreateTable:   CmdCreateSamplesTable,
		CreateIndexes: CmdCreateSamplesIndexes,
		QueriesMap:    samplesQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init samples storage: %w", err)
	}
	return res, nil
}

// Add adds a sample to the storage. The same message added again replaces the stored one,
// so a message can't be both ham and spam.
func (s *Samples) Add(ctx context.Context, class trie.Class, o SampleOrigin, message string) error {
	log.Printf("[DEBUG] adding sample: %s, %s, %q", class, o, shorten(message, 1024))
	if err := s.validate(class, o); err != nil {
		return err
	}
	if message == "" {
		return fmt.Errorf("message can't be empty")
	}

	query, err := samplesQueries.Pick(s.Type(), CmdUpsertSample)
	if err != nil {
		return fmt.Errorf("failed to get query: %w", err)
	}

	s.Lock()
	defer s.Unlock()
	if _, err := s.ExecContext(ctx, query, s.GID(), class.String(), o, message); err != nil {
		return fmt.Errorf("failed to add sample: %w", err)
	}
	return nil
}

// DeleteMessage removes a sample of the class from the storage by its message
func (s *Samples) DeleteMessage(ctx context.Context, class trie.Class, message string) error {
	log.Printf("[DEBUG] deleting %s sample: %q", class, shorten(message, 1024))
	if err := class.Validate(); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()

	query := s.Adopt(`DELETE FROM samples WHERE gid = ? AND type = ? AND message = ?`)
	result, err := s.ExecContext(ctx, query, s.GID(), class.String(), message)
	if err != nil {
		return fmt.Errorf("failed to remove sample: %w", err)
	}
	return s.checkAffected(result.RowsAffected, fmt.Sprintf("%s sample %q not found", class, shorten(message, 64)))
}

// Import adds samples with the given origin in a single transaction and returns statistics after the import.
// If withCleanup is true removes all samples of this origin before import. Messages already stored,
// with any origin, are kept as is.
func (s *Samples) Import(ctx context.Context, o SampleOrigin, samples iter.Seq[lib.Sample], withCleanup bool) (*SamplesStats, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o == SampleOriginAny {
		return nil, fmt.Errorf("can't import samples with origin 'any'")
	}
	if samples == nil {
		return nil, fmt.Errorf("samples iterator can't be nil")
	}
	query, err := samplesQueries.Pick(s.Type(), CmdImportSample)
	if err != nil {
		return nil, fmt.Errorf("failed to get import query: %w", err)
	}
	gid := s.GID()

	s.Lock()
	defer s.Unlock()

	tx, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if withCleanup {
		result, errDel := tx.ExecContext(ctx, s.Adopt(`DELETE FROM samples WHERE gid = ? AND origin = ?`), gid, o)
		if errDel != nil {
			return nil, fmt.Errorf("failed to remove old samples: %w", errDel)
		}
		affected, errCount := result.RowsAffected()
		if errCount != nil {
			return nil, fmt.Errorf("failed to get affected rows: %w", errCount)
		}
		log.Printf("[DEBUG] removed %d old samples: gid=%s, origin=%s", affected, gid, o)
	}

	processed := 0
	for sample := range samples {
		if sample.Text == "" {
			continue
		}
		if err = sample.Class.Validate(); err != nil {
			return nil, fmt.Errorf("can't import %q: %w", shorten(sample.Text, 64), err)
		}
		if _, err = tx.ExecContext(ctx, query, gid, sample.Class.String(), o, sample.Text); err != nil {
			return nil, fmt.Errorf("failed to add sample: %w", err)
		}
		processed++
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Printf("[DEBUG] imported %d samples: gid=%s, origin=%s", processed, gid, o)
	return s.stats(ctx)
}

// Iterator returns an iterator over messages of the class and origin, from the newest to the oldest.
// The iterator respects context cancellation.
func (s *Samples) Iterator(ctx context.Context, class trie.Class, o SampleOrigin) (iter.Seq[string], error) {
	if err := class.Validate(); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT message FROM samples WHERE gid = ? AND type = ? ORDER BY timestamp DESC, id DESC`
	args := []any{s.GID(), class.String()}
	if o != SampleOriginAny {
		query = `SELECT message FROM samples WHERE gid = ? AND type = ? AND origin = ? ORDER BY timestamp DESC, id DESC`
		args = append(args, o)
	}

	// messages are read before iteration, open rows would hold the only sqlite connection
	s.RLock()
	var messages []string
	err := s.SelectContext(ctx, &messages, s.Adopt(query), args...)
	s.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}

	return func(yield func(string) bool) {
		for _, msg := range messages {
			if ctx.Err() != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}, nil
}

// Stats returns statistics about samples
func (s *Samples) Stats(ctx context.Context) (*SamplesStats, error) {
	s.RLock()
	defer s.RUnlock()
	return s.stats(ctx)
}

// String provides a string representation of the statistics
func (st *SamplesStats) String() string {
	return fmt.Sprintf("spam: %d, ham: %d, preset spam: %d, preset ham: %d, user spam: %d, user ham: %d",
		st.TotalSpam, st.TotalHam, st.PresetSpam, st.PresetHam, st.UserSpam, st.UserHam)
}

// String implements Stringer interface
func (o SampleOrigin) String() string { return string(o) }

// Validate checks if the sample origin is valid
func (o SampleOrigin) Validate() error {
	switch o {
	case SampleOriginPreset, SampleOriginUser, SampleOriginAny:
		return nil
	}
	return fmt.Errorf("invalid sample origin: %s", o)
}

// stats returns statistics about samples without locking
func (s *Samples) stats(ctx context.Context) (*SamplesStats, error) {
	query := s.Adopt(`
		SELECT
			COUNT(CASE WHEN type = 'spam' THEN 1 END) as spam_count,
			COUNT(CASE WHEN type = 'ham' THEN 1 END) as ham_count,
			COUNT(CASE WHEN type = 'spam' AND origin = 'preset' THEN 1 END) as preset_spam_count,
			COUNT(CASE WHEN type = 'ham' AND origin = 'preset' THEN 1 END) as preset_ham_count,
			COUNT(CASE WHEN type = 'spam' AND origin = 'user' THEN 1 END) as user_spam_count,
			COUNT(CASE WHEN type = 'ham' AND origin = 'user' THEN 1 END) as user_ham_count
		FROM samples
		WHERE gid = ?`)

	var stats SamplesStats
	if err := s.GetContext(ctx, &stats, query, s.GID()); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &stats, nil
}

func (s *Samples) validate(class trie.Class, o SampleOrigin) error {
	if err := class.Validate(); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if o == SampleOriginAny {
		return fmt.Errorf("can't add sample with origin 'any'")
	}
	return nil
}

func (s *Samples) checkAffected(affected func() (int64, error), notFound string) error {
	n, err := affected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", notFound, ErrNotFound)
	}
	return nil
}

func shorten(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
