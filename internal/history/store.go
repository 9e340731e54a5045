package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/voiceover/internal/config"
	_ "modernc.org/sqlite"
)

// NotApplicable marks a field that does not apply to the record's method.
const NotApplicable = "N/A"

// TimestampLayout is the second-resolution format of the timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

var ErrNotFound = errors.New("record not found")

// Record is one completed synthesis request.
type Record struct {
	ID             int64     `json:"id"`
	Text           string    `json:"text"`
	Method         string    `json:"method"`
	Speaker        string    `json:"speaker"`
	WavFile        string    `json:"wav_file"`
	ReferenceAudio string    `json:"reference_audio"`
	CreatedAt      time.Time `json:"timestamp"`
}

// HasReference reports whether the record carries a reference audio file.
func (r Record) HasReference() bool {
	return r.ReferenceAudio != "" && r.ReferenceAudio != NotApplicable
}

const (
	insertRecordSQL = `INSERT INTO audio_metadata (text, method, speaker, wav_file, reference_audio, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`
	selectColumns = `SELECT id, text, method, speaker, wav_file, reference_audio, timestamp FROM audio_metadata`
	listAllSQL    = selectColumns + ` ORDER BY id DESC`
	listRangeSQL  = selectColumns + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	getRecordSQL  = selectColumns + ` WHERE id = ?`
	countSQL      = `SELECT COUNT(*) FROM audio_metadata`
)

// Store is an append-only SQLite log of synthesis records.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store and creates the table if absent.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS audio_metadata (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT,
    method TEXT,
    speaker TEXT,
    wav_file TEXT,
    reference_audio TEXT,
    timestamp TEXT
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes a record and returns its assigned identifier. ID on the
// input is ignored; a zero CreatedAt is filled from the store clock.
func (s *Store) Append(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx, insertRecordSQL,
		rec.Text, rec.Method, rec.Speaker, rec.WavFile, rec.ReferenceAudio,
		rec.CreatedAt.UTC().Format(TimestampLayout))
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read record id: %w", err)
	}
	return id, nil
}

// ListAll returns every record, most recent first.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, listAllSQL)
}

// ListRange returns up to limit records starting at offset, most recent first.
func (s *Store) ListRange(ctx context.Context, offset, limit int) ([]Record, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, nil
	}
	return s.query(ctx, listRangeSQL, limit, offset)
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, getRecordSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		rec                            Record
		text, method, speaker, wavFile sql.NullString
		referenceAudio, createdAt      sql.NullString
	)
	if err := scanner.Scan(&rec.ID, &text, &method, &speaker, &wavFile, &referenceAudio, &createdAt); err != nil {
		return Record{}, err
	}
	rec.Text = text.String
	rec.Method = method.String
	rec.Speaker = speaker.String
	rec.WavFile = wavFile.String
	rec.ReferenceAudio = referenceAudio.String
	if ts, err := time.ParseInLocation(TimestampLayout, createdAt.String, time.UTC); err == nil {
		rec.CreatedAt = ts
	}
	return rec, nil
}
