// Package db implements the bounded database connection pool (C4) and its
// scoped-handle borrow (C5), grounded on
// original_source/CGImysql/sql_connection_pool.h's connection_pool /
// connectionRAII, rendered with database/sql + go-sql-driver/mysql and a
// golang.org/x/sync/semaphore.Weighted standing in for the original's
// sem_t free-count.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"
)

// ErrPoolExhausted is returned by Acquire when ctx is done before a
// connection becomes free.
var ErrPoolExhausted = errors.New("database pool exhausted")

// Config names the database to open the pool's connections against.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	PoolSize int
}

// Pool is a fixed-size set of live *sql.DB handles acquired and released
// under a semaphore, per §4.5: "At init, open N connections... initialize
// the semaphore to N." database/sql already multiplexes a single *sql.DB
// over many physical connections, so here the pool size instead bounds how
// many callers may hold a borrowed *sql.DB concurrently — SetMaxOpenConns
// is pinned to the same N so the driver's own pool can never exceed it.
type Pool struct {
	db   *sql.DB
	sem  *semaphore.Weighted
	size int

	mu       sync.Mutex
	borrowed int
}

// Open opens the underlying *sql.DB and primes the pool.
func Open(cfg Config) (*Pool, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	database, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	database.SetMaxOpenConns(size)
	database.SetMaxIdleConns(size)
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Pool{
		db:   database,
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}, nil
}

// Handle is a borrowed database connection — in practice the shared
// *sql.DB, since database/sql already serializes physical connection reuse
// internally; the semaphore is what actually enforces the pool-size bound
// the spec requires.
type Handle struct {
	*sql.DB
}

// Acquire waits on the semaphore (blocking at most until ctx is done) and
// returns a Handle plus a Release closure — the Go rendition of
// connectionRAII's constructor/destructor pair (§4.5, GLOSSARY "Scoped
// handle").
func (p *Pool) Acquire(ctx context.Context) (Handle, func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Handle{}, nil, fmt.Errorf("acquire db handle: %w", ErrPoolExhausted)
	}
	p.mu.Lock()
	p.borrowed++
	p.mu.Unlock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		p.mu.Lock()
		p.borrowed--
		p.mu.Unlock()
		p.sem.Release(1)
	}
	return Handle{p.db}, release, nil
}

// FreeCount and BorrowedCount expose the pool's bookkeeping for the
// free_count + borrowed_count = pool_size invariant in §8, and for the C11
// gauges.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.borrowed
}

func (p *Pool) BorrowedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrowed
}

// Close closes the underlying *sql.DB. Matches connection_pool::DestroyPool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// Raw exposes the underlying *sql.DB for the one-time startup query that
// primes the user cache (§6's "SELECT username, passwd FROM user").
func (p *Pool) Raw() *sql.DB { return p.db }
