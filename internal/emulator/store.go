package emulator

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store errors, mapped to HTTP statuses by the server.
var (
	errNotFound           = errors.New("emulator: not found")
	errPreconditionFailed = errors.New("emulator: precondition failed")
)

const (
	sqlLiveObject = `SELECT bucket, name, generation, metageneration, content_type,
		metadata, data, crc32c, md5, created_at, deleted_at
		FROM objects WHERE bucket = ? AND name = ? AND deleted_at IS NULL`

	sqlObjectAt = `SELECT bucket, name, generation, metageneration, content_type,
		metadata, data, crc32c, md5, created_at, deleted_at
		FROM objects WHERE bucket = ? AND name = ? AND generation = ?`

	sqlInsertObject = `INSERT INTO objects
		(bucket, name, generation, metageneration, content_type, metadata,
		 data, crc32c, md5, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`

	sqlMaxGeneration = `SELECT COALESCE(MAX(generation), 0) FROM objects`

	sqlMarkDeleted = `UPDATE objects SET deleted_at = ?
		WHERE bucket = ? AND name = ? AND generation = ?`

	sqlPurgeObject = `DELETE FROM objects WHERE bucket = ? AND name = ? AND generation = ?`

	sqlDeletedObjects = `SELECT bucket, name, generation, metageneration, content_type,
		metadata, data, crc32c, md5, created_at, deleted_at
		FROM objects o WHERE bucket = ? AND deleted_at IS NOT NULL AND deleted_at > ?
		AND generation = (SELECT MAX(generation) FROM objects
			WHERE bucket = o.bucket AND name = o.name AND deleted_at IS NOT NULL)
		ORDER BY name`

	sqlInsertUpload = `INSERT INTO uploads
		(id, bucket, name, content_type, metadata, if_generation_match, total,
		 data, expected_crc32c, generation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`

	sqlGetUpload = `SELECT id, bucket, name, content_type, metadata, if_generation_match,
		total, data, expected_crc32c, generation FROM uploads WHERE id = ?`

	sqlUpdateUpload = `UPDATE uploads SET total = ?, data = ?, generation = ? WHERE id = ?`

	sqlGetPolicy = `SELECT policy, version FROM bucket_policies WHERE bucket = ?`

	sqlUpsertPolicy = `INSERT INTO bucket_policies (bucket, policy, version)
		VALUES (?, ?, ?)
		ON CONFLICT(bucket) DO UPDATE SET
		 policy = excluded.policy,
		 version = excluded.version`

	sqlInsertOperation = `INSERT INTO operations
		(id, bucket, kind, request, polls_left, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlGetOperation = `SELECT id, bucket, kind, request, polls_left, done,
		success_count, failed_count, error_code, error_message
		FROM operations WHERE bucket = ? AND id = ?`

	sqlUpdateOperation = `UPDATE operations SET polls_left = ?, done = ?,
		success_count = ?, failed_count = ?, error_code = ?, error_message = ?
		WHERE id = ?`
)

// Store persists emulator state in SQLite. Every mutation runs in a
// transaction on the single pooled connection, so requests are serialized.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenStore opens (or creates) the database at path and applies migrations.
// An empty path keeps everything in memory.
func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			path,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("emulator: opening database %s: %w", dsn, err)
	}

	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("emulator store ready", slog.String("dsn", dsn))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("emulator: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("emulator: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("emulator: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// txn is the view handlers get of the store inside one transaction.
type txn struct {
	tx  *sql.Tx
	now time.Time
}

// do runs fn in a transaction, committing if it returns nil.
func (s *Store) do(ctx context.Context, fn func(t *txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("emulator: beginning transaction: %w", err)
	}

	if err := fn(&txn{tx: tx, now: s.nowFunc()}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("emulator: committing transaction: %w", err)
	}

	return nil
}

// object is one stored generation.
type object struct {
	Bucket         string
	Name           string
	Generation     int64
	Metageneration int64
	ContentType    string
	Metadata       map[string]string
	Data           []byte
	CRC32C         uint32
	MD5            []byte
	Created        time.Time
	Deleted        *time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*object, error) {
	var (
		o        object
		metadata string
		crc      int64
		created  int64
		deleted  sql.NullInt64
	)

	err := row.Scan(&o.Bucket, &o.Name, &o.Generation, &o.Metageneration, &o.ContentType,
		&metadata, &o.Data, &crc, &o.MD5, &created, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("emulator: scanning object: %w", err)
	}

	if err := json.Unmarshal([]byte(metadata), &o.Metadata); err != nil {
		return nil, fmt.Errorf("emulator: decoding object metadata: %w", err)
	}

	o.CRC32C = uint32(crc)
	o.Created = time.Unix(0, created).UTC()

	if deleted.Valid {
		t := time.Unix(0, deleted.Int64).UTC()
		o.Deleted = &t
	}

	return &o, nil
}

// liveObject returns the live generation of a name.
func (t *txn) liveObject(ctx context.Context, bucket, name string) (*object, error) {
	return scanObject(t.tx.QueryRowContext(ctx, sqlLiveObject, bucket, name))
}

// objectAt returns a specific generation, live or not. Emulated buckets
// keep noncurrent generations readable by number, like versioned buckets.
func (t *txn) objectAt(ctx context.Context, bucket, name string, generation int64) (*object, error) {
	if generation == 0 {
		return t.liveObject(ctx, bucket, name)
	}

	return scanObject(t.tx.QueryRowContext(ctx, sqlObjectAt, bucket, name, generation))
}

// checkGeneration applies an ifGenerationMatch precondition, where 0 means
// "no live object".
func checkGeneration(cur *object, ifGenerationMatch *int64) error {
	if ifGenerationMatch == nil {
		return nil
	}

	switch {
	case *ifGenerationMatch == 0 && cur != nil:
		return errPreconditionFailed
	case *ifGenerationMatch != 0 && (cur == nil || cur.Generation != *ifGenerationMatch):
		return errPreconditionFailed
	default:
		return nil
	}
}

// putObject stores o as the new live generation, retiring the previous one.
func (t *txn) putObject(ctx context.Context, o *object, ifGenerationMatch *int64) error {
	cur, err := t.liveObject(ctx, o.Bucket, o.Name)
	if err != nil && !errors.Is(err, errNotFound) {
		return err
	}

	if err := checkGeneration(cur, ifGenerationMatch); err != nil {
		return err
	}

	var maxGen int64
	if err := t.tx.QueryRowContext(ctx, sqlMaxGeneration).Scan(&maxGen); err != nil {
		return fmt.Errorf("emulator: reading generation counter: %w", err)
	}

	o.Generation = max(t.now.UnixMicro(), maxGen+1)
	o.Metageneration = 1
	o.Created = t.now.UTC()

	if cur != nil {
		if _, err := t.tx.ExecContext(ctx, sqlMarkDeleted, t.now.UnixNano(), cur.Bucket, cur.Name, cur.Generation); err != nil {
			return fmt.Errorf("emulator: retiring generation %d: %w", cur.Generation, err)
		}
	}

	metadata, err := json.Marshal(nonNil(o.Metadata))
	if err != nil {
		return fmt.Errorf("emulator: encoding object metadata: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, sqlInsertObject, o.Bucket, o.Name, o.Generation, o.Metageneration,
		o.ContentType, string(metadata), nonNilBytes(o.Data), int64(o.CRC32C), nonNilBytes(o.MD5), o.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("emulator: inserting object: %w", err)
	}

	return nil
}

// deleteObject soft-deletes the live generation. Deleting a generation that
// is already noncurrent removes it for good.
func (t *txn) deleteObject(ctx context.Context, bucket, name string, generation int64, ifGenerationMatch *int64) error {
	o, err := t.objectAt(ctx, bucket, name, generation)
	if err != nil {
		return err
	}

	if o.Deleted != nil {
		_, err := t.tx.ExecContext(ctx, sqlPurgeObject, bucket, name, o.Generation)
		return err
	}

	if err := checkGeneration(o, ifGenerationMatch); err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, sqlMarkDeleted, t.now.UnixNano(), bucket, name, o.Generation)

	return err
}

// deletedObjects lists, per name, the newest soft-deleted generation deleted
// after the given time.
func (t *txn) deletedObjects(ctx context.Context, bucket string, after time.Time) ([]*object, error) {
	var cutoff int64
	if !after.IsZero() {
		cutoff = after.UnixNano()
	}

	rows, err := t.tx.QueryContext(ctx, sqlDeletedObjects, bucket, cutoff)
	if err != nil {
		return nil, fmt.Errorf("emulator: listing deleted objects: %w", err)
	}
	defer rows.Close()

	var out []*object

	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, o)
	}

	return out, rows.Err()
}

// upload is a resumable session.
type upload struct {
	ID                string
	Bucket            string
	Name              string
	ContentType       string
	Metadata          map[string]string
	IfGenerationMatch *int64
	Total             *int64
	Data              []byte
	ExpectedCRC32C    *uint32
	Generation        *int64
}

func (t *txn) createUpload(ctx context.Context, u *upload) error {
	metadata, err := json.Marshal(nonNil(u.Metadata))
	if err != nil {
		return fmt.Errorf("emulator: encoding upload metadata: %w", err)
	}

	var crc sql.NullInt64
	if u.ExpectedCRC32C != nil {
		crc = sql.NullInt64{Int64: int64(*u.ExpectedCRC32C), Valid: true}
	}

	_, err = t.tx.ExecContext(ctx, sqlInsertUpload, u.ID, u.Bucket, u.Name, u.ContentType,
		string(metadata), nullInt(u.IfGenerationMatch), nullInt(u.Total), []byte{}, crc, t.now.UnixNano())
	if err != nil {
		return fmt.Errorf("emulator: inserting upload: %w", err)
	}

	return nil
}

func (t *txn) upload(ctx context.Context, id string) (*upload, error) {
	var (
		u        upload
		metadata string
		ifGen    sql.NullInt64
		total    sql.NullInt64
		crc      sql.NullInt64
		gen      sql.NullInt64
	)

	err := t.tx.QueryRowContext(ctx, sqlGetUpload, id).Scan(&u.ID, &u.Bucket, &u.Name, &u.ContentType,
		&metadata, &ifGen, &total, &u.Data, &crc, &gen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("emulator: reading upload: %w", err)
	}

	if err := json.Unmarshal([]byte(metadata), &u.Metadata); err != nil {
		return nil, fmt.Errorf("emulator: decoding upload metadata: %w", err)
	}

	u.IfGenerationMatch = ptrInt(ifGen)
	u.Total = ptrInt(total)
	u.Generation = ptrInt(gen)

	if crc.Valid {
		v := uint32(crc.Int64)
		u.ExpectedCRC32C = &v
	}

	return &u, nil
}

func (t *txn) saveUpload(ctx context.Context, u *upload) error {
	_, err := t.tx.ExecContext(ctx, sqlUpdateUpload, nullInt(u.Total), nonNilBytes(u.Data), nullInt(u.Generation), u.ID)
	if err != nil {
		return fmt.Errorf("emulator: updating upload: %w", err)
	}

	return nil
}

// policy returns the bucket policy document and its version. A bucket with
// no policy yet is at version 1 with no bindings.
func (t *txn) policy(ctx context.Context, bucket string) (iamPolicy, int64, error) {
	var (
		raw     string
		version int64
		p       iamPolicy
	)

	err := t.tx.QueryRowContext(ctx, sqlGetPolicy, bucket).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, 1, nil
	}

	if err != nil {
		return p, 0, fmt.Errorf("emulator: reading policy: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, 0, fmt.Errorf("emulator: decoding policy: %w", err)
	}

	return p, version, nil
}

func (t *txn) savePolicy(ctx context.Context, bucket string, p iamPolicy, version int64) error {
	p.ETag = ""

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("emulator: encoding policy: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx, sqlUpsertPolicy, bucket, string(raw), version); err != nil {
		return fmt.Errorf("emulator: saving policy: %w", err)
	}

	return nil
}

// operation is a long-running operation record.
type operation struct {
	ID           string
	Bucket       string
	Kind         string
	Request      []byte
	PollsLeft    int
	Done         bool
	SuccessCount int64
	FailedCount  int64
	ErrorCode    *int64
	ErrorMessage string
}

func (t *txn) createOperation(ctx context.Context, op *operation) error {
	_, err := t.tx.ExecContext(ctx, sqlInsertOperation, op.ID, op.Bucket, op.Kind, string(op.Request),
		op.PollsLeft, t.now.UnixNano())
	if err != nil {
		return fmt.Errorf("emulator: inserting operation: %w", err)
	}

	return nil
}

func (t *txn) operation(ctx context.Context, bucket, id string) (*operation, error) {
	var (
		op      operation
		request string
		done    int
		code    sql.NullInt64
		message sql.NullString
	)

	err := t.tx.QueryRowContext(ctx, sqlGetOperation, bucket, id).Scan(&op.ID, &op.Bucket, &op.Kind,
		&request, &op.PollsLeft, &done, &op.SuccessCount, &op.FailedCount, &code, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("emulator: reading operation: %w", err)
	}

	op.Request = []byte(request)
	op.Done = done != 0
	op.ErrorCode = ptrInt(code)
	op.ErrorMessage = message.String

	return &op, nil
}

func (t *txn) saveOperation(ctx context.Context, op *operation) error {
	done := 0
	if op.Done {
		done = 1
	}

	var message sql.NullString
	if op.ErrorMessage != "" {
		message = sql.NullString{String: op.ErrorMessage, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, sqlUpdateOperation, op.PollsLeft, done, op.SuccessCount,
		op.FailedCount, nullInt(op.ErrorCode), message, op.ID)
	if err != nil {
		return fmt.Errorf("emulator: updating operation: %w", err)
	}

	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}

	return &v.Int64
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}

	return m
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	return b
}
