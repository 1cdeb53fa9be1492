// Package postgres implements the chunked object store for uploaded resume
// files. Blobs are split into fixed-size chunks, checksummed with blake2b,
// and immutable once written.
package postgres

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/blake2b"

	"github.com/hirelens/pipeline/internal/domain"
)

// ChunkSize is the fixed chunk length. The last chunk of a blob may be
// shorter.
const ChunkSize = 1 << 20

// PgxPool is the pool subset the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store is a domain.ObjectStore backed by two Postgres tables: files for
// metadata, file_chunks for ordered content.
type Store struct {
	Pool     PgxPool
	MaxBytes int64
}

// New constructs a Store. maxBytes caps a single blob; zero means no cap.
func New(pool PgxPool, maxBytes int64) *Store { return &Store{Pool: pool, MaxBytes: maxBytes} }

// EnsureSchema creates the store tables if missing.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			file_id      TEXT PRIMARY KEY,
			size         BIGINT NOT NULL,
			content_type TEXT NOT NULL,
			checksum     TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_chunks (
			file_id TEXT NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
			seq     INT NOT NULL,
			data    BYTEA NOT NULL,
			PRIMARY KEY (file_id, seq)
		)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// NewFileID returns a fresh sortable file id.
func NewFileID() string { return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String() }

// Put streams r into chunks inside one transaction. The metadata row is
// written last so readers never observe a partial blob.
func (s *Store) Put(ctx context.Context, r io.Reader, contentType string) (domain.FileInfo, error) {
	tracer := otel.Tracer("objectstore")
	ctx, span := tracer.Start(ctx, "objectstore.Put")
	defer span.End()

	fileID := NewFileID()
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=objectstore.put hash: %w", err)
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=objectstore.put begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var size int64
	buf := make([]byte, ChunkSize)
	for seq := 0; ; seq++ {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			size += int64(n)
			if s.MaxBytes > 0 && size > s.MaxBytes {
				return domain.FileInfo{}, fmt.Errorf("op=objectstore.put size=%d: %w", size, domain.ErrPayloadTooLarge)
			}
			hasher.Write(buf[:n])
			if _, err := tx.Exec(ctx, `INSERT INTO file_chunks (file_id, seq, data) VALUES ($1,$2,$3)`, fileID, seq, buf[:n]); err != nil {
				return domain.FileInfo{}, fmt.Errorf("op=objectstore.put chunk=%d: %w", seq, err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return domain.FileInfo{}, fmt.Errorf("op=objectstore.put read: %w", rerr)
		}
	}

	info := domain.FileInfo{
		FileID:      fileID,
		Size:        size,
		ContentType: contentType,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}
	q := `INSERT INTO files (file_id, size, content_type, checksum, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, q, info.FileID, info.Size, info.ContentType, info.Checksum, info.CreatedAt); err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=objectstore.put meta: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=objectstore.put commit: %w", err)
	}
	return info, nil
}

// Stat loads blob metadata by id.
func (s *Store) Stat(ctx context.Context, fileID string) (domain.FileInfo, error) {
	tracer := otel.Tracer("objectstore")
	ctx, span := tracer.Start(ctx, "objectstore.Stat")
	defer span.End()
	q := `SELECT file_id, size, content_type, checksum, created_at FROM files WHERE file_id=$1`
	var info domain.FileInfo
	err := s.Pool.QueryRow(ctx, q, fileID).Scan(&info.FileID, &info.Size, &info.ContentType, &info.Checksum, &info.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.FileInfo{}, fmt.Errorf("op=objectstore.stat: %w", domain.ErrNotFound)
		}
		return domain.FileInfo{}, fmt.Errorf("op=objectstore.stat: %w", err)
	}
	return info, nil
}

// OpenRead returns a streaming reader over the blob's chunks in order. The
// caller must Close it.
func (s *Store) OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error) {
	tracer := otel.Tracer("objectstore")
	ctx, span := tracer.Start(ctx, "objectstore.OpenRead")
	defer span.End()
	if _, err := s.Stat(ctx, fileID); err != nil {
		return nil, err
	}
	return &chunkReader{ctx: ctx, pool: s.Pool, fileID: fileID}, nil
}

// VerifiedRead reads the whole blob into memory and checks its checksum
// against want. A mismatch is a permanent failure.
func (s *Store) VerifiedRead(ctx context.Context, fileID, want string) ([]byte, error) {
	rc, err := s.OpenRead(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("op=objectstore.verified_read: %w", err)
	}
	sum := blake2b.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != want {
		return nil, fmt.Errorf("op=objectstore.verified_read file=%s: %w", fileID, domain.ErrChecksumMismatch)
	}
	return data, nil
}

// chunkReader fetches one chunk per fill, so large blobs never sit fully in
// memory on the read path.
type chunkReader struct {
	ctx    context.Context
	pool   PgxPool
	fileID string
	seq    int
	buf    bytes.Reader
	done   bool
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		if c.done {
			return 0, io.EOF
		}
		var data []byte
		err := c.pool.QueryRow(c.ctx, `SELECT data FROM file_chunks WHERE file_id=$1 AND seq=$2`, c.fileID, c.seq).Scan(&data)
		if err == pgx.ErrNoRows {
			c.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("op=objectstore.read chunk=%d: %w", c.seq, err)
		}
		c.seq++
		c.buf.Reset(data)
	}
	return c.buf.Read(p)
}

func (c *chunkReader) Close() error {
	c.done = true
	c.buf.Reset(nil)
	return nil
}
