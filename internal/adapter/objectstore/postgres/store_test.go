package postgres_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	objstore "github.com/hirelens/pipeline/internal/adapter/objectstore/postgres"
	"github.com/hirelens/pipeline/internal/domain"
)

// memPool emulates the files and file_chunks tables in memory, routing SQL
// by substring. Good enough to exercise the chunking and checksum logic.
type memPool struct {
	files  map[string]fileRow
	chunks map[string][][]byte
}

type fileRow struct {
	size        int64
	contentType string
	checksum    string
	createdAt   time.Time
}

func newMemPool() *memPool {
	return &memPool{files: map[string]fileRow{}, chunks: map[string][][]byte{}}
}

func (p *memPool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO file_chunks"):
		fileID := args[0].(string)
		data := append([]byte(nil), args[2].([]byte)...)
		p.chunks[fileID] = append(p.chunks[fileID], data)
	case strings.Contains(sql, "INSERT INTO files"):
		p.files[args[0].(string)] = fileRow{
			size:        args[1].(int64),
			contentType: args[2].(string),
			checksum:    args[3].(string),
			createdAt:   args[4].(time.Time),
		}
	}
	return pgconn.CommandTag{}, nil
}

func (p *memPool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "FROM files"):
		fileID := args[0].(string)
		f, ok := p.files[fileID]
		if !ok {
			return rowFunc(func(...any) error { return pgx.ErrNoRows })
		}
		return rowFunc(func(dest ...any) error {
			*(dest[0].(*string)) = fileID
			*(dest[1].(*int64)) = f.size
			*(dest[2].(*string)) = f.contentType
			*(dest[3].(*string)) = f.checksum
			*(dest[4].(*time.Time)) = f.createdAt
			return nil
		})
	case strings.Contains(sql, "FROM file_chunks"):
		fileID := args[0].(string)
		seq := args[1].(int)
		chunks := p.chunks[fileID]
		if seq >= len(chunks) {
			return rowFunc(func(...any) error { return pgx.ErrNoRows })
		}
		return rowFunc(func(dest ...any) error {
			*(dest[0].(*[]byte)) = chunks[seq]
			return nil
		})
	}
	return rowFunc(func(...any) error { return errors.New("unexpected query") })
}

func (p *memPool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *memPool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return &memTx{pool: p}, nil
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

// memTx forwards writes straight to the pool. Rollback after commit is a
// no-op, matching pgx semantics closely enough for these tests.
type memTx struct{ pool *memPool }

func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}
func (t *memTx) Commit(context.Context) error   { return nil }
func (t *memTx) Rollback(context.Context) error { return nil }
func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *memTx) Conn() *pgx.Conn { return nil }

func TestStore_PutReadRoundTrip(t *testing.T) {
	t.Parallel()
	pool := newMemPool()
	store := objstore.New(pool, 0)
	ctx := context.Background()

	// Span two chunks to exercise the split.
	payload := bytes.Repeat([]byte("resume-bytes "), objstore.ChunkSize/8)
	info, err := store.Put(ctx, bytes.NewReader(payload), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)

	sum := blake2b.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.Checksum)
	assert.GreaterOrEqual(t, len(pool.chunks[info.FileID]), 2)

	rc, err := store.OpenRead(ctx, info.FileID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)
}

func TestStore_PutEmptyBlob(t *testing.T) {
	t.Parallel()
	store := objstore.New(newMemPool(), 0)
	info, err := store.Put(context.Background(), bytes.NewReader(nil), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size)

	rc, err := store.OpenRead(context.Background(), info.FileID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_PutTooLarge(t *testing.T) {
	t.Parallel()
	store := objstore.New(newMemPool(), 64)
	_, err := store.Put(context.Background(), bytes.NewReader(make([]byte, 128)), "text/plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestStore_StatNotFound(t *testing.T) {
	t.Parallel()
	store := objstore.New(newMemPool(), 0)
	_, err := store.Stat(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_VerifiedRead(t *testing.T) {
	t.Parallel()
	pool := newMemPool()
	store := objstore.New(pool, 0)
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	info, err := store.Put(ctx, bytes.NewReader(payload), "text/plain")
	require.NoError(t, err)

	got, err := store.VerifiedRead(ctx, info.FileID, info.Checksum)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = store.VerifiedRead(ctx, info.FileID, "deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChecksumMismatch)
}
