// Package database provides the connection used by an export: one pooled
// pgx connection holding one read-only snapshot transaction, on which any
// number of server-side cursors are declared and fetched.
//
// Postgres runs one statement at a time per connection. Client therefore
// serializes every statement behind a mutex: cursors interleave at FETCH
// granularity instead of each export checking out one connection per
// cursor. All cursors see the same snapshot because they share the
// transaction.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JonMunkholm/fieldexport/internal/stream"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrClientReleased is returned for statements issued after Release.
var ErrClientReleased = errors.New("database client already released")

// DBTX is the subset of pgx.Tx used by Client.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
}

// Pool checks out export clients from a pgx pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool wraps a pgx pool.
func NewPool(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

// Acquire checks out one connection and opens a read-only, repeatable-read
// transaction on it. The caller must call Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Client, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin export transaction: %w", err)
	}

	return NewClient(tx, func() {
		// Rolling back a read-only transaction also drops its cursors.
		tx.Rollback(context.Background())
		conn.Release()
	}), nil
}

// Client runs cursor statements on a single transaction.
type Client struct {
	mu       sync.Mutex
	tx       DBTX
	release  func()
	released bool
}

// NewClient creates a Client on tx. release runs once, from Release.
func NewClient(tx DBTX, release func()) *Client {
	return &Client{tx: tx, release: release}
}

// Cursor creates a lazily executed cursor for q on this client.
func (c *Client) Cursor(q stream.Query, opts ...stream.CursorOption) *stream.Cursor {
	return stream.NewCursor(c, q, opts...)
}

// DeclareCursor implements stream.CursorExecutor.
func (c *Client) DeclareCursor(ctx context.Context, name string, stmt stream.Statement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return ErrClientReleased
	}

	sql := "DECLARE " + pgx.Identifier{name}.Sanitize() + " NO SCROLL CURSOR FOR " + stmt.Text
	args := append([]any{pgx.QueryExecModeExec}, stmt.Args...)
	if _, err := c.tx.Exec(ctx, sql, args...); err != nil {
		return err
	}
	return nil
}

// FetchCursor implements stream.CursorExecutor.
func (c *Client) FetchCursor(ctx context.Context, name string, count int) ([]stream.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, ErrClientReleased
	}

	sql := fmt.Sprintf("FETCH FORWARD %d FROM %s", count, pgx.Identifier{name}.Sanitize())
	rows, err := c.tx.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

// CloseCursor implements stream.CursorExecutor.
func (c *Client) CloseCursor(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Release already dropped every cursor with the transaction.
	if c.released {
		return nil
	}

	_, err := c.tx.Exec(ctx, "CLOSE "+pgx.Identifier{name}.Sanitize(), pgx.QueryExecModeSimpleProtocol)
	return err
}

// Query runs q to completion and returns every row. Meant for small lookups
// made by stream factories (device lists, counts), not for export data.
func (c *Client) Query(ctx context.Context, q stream.Query) ([]stream.Row, error) {
	stmt, err := stream.Normalize(q)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, ErrClientReleased
	}

	rows, err := c.tx.Query(ctx, stmt.Text, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

// Release ends the transaction and returns the connection to the pool.
// Only the first call has an effect.
func (c *Client) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return
	}
	c.released = true
	if c.release != nil {
		c.release()
	}
}
