package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateUser is returned by InsertUser when the username is already
// taken.
var ErrDuplicateUser = errors.New("username already registered")

// UserCache is the in-memory username -> password map used by login, kept
// under its own mutex rather than the log mutex the original source
// reuses — Design Note 9's explicit correction ("A clean reimplementation
// gives the user-credential cache its own mutex... decoupled from
// logging").
type UserCache struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewUserCache returns an empty cache.
func NewUserCache() *UserCache {
	return &UserCache{users: make(map[string]string)}
}

// Prime loads every (username, passwd) row from the user table, mirroring
// the startup "SELECT username, passwd FROM user" in §6.
func (c *UserCache) Prime(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT username, passwd FROM user")
	if err != nil {
		return fmt.Errorf("priming user cache: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var user, pass string
		if err := rows.Scan(&user, &pass); err != nil {
			return fmt.Errorf("scanning user row: %w", err)
		}
		c.users[user] = pass
	}
	return rows.Err()
}

// Check reports whether user/pass matches an entry in the cache.
func (c *UserCache) Check(user, pass string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	got, ok := c.users[user]
	return ok && got == pass
}

// Exists reports whether user is already registered.
func (c *UserCache) Exists(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.users[user]
	return ok
}

// Put records a newly registered user, called after the INSERT succeeds.
func (c *UserCache) Put(user, pass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[user] = pass
}

// InsertUser executes the parametric INSERT described in §6 and, on
// success, updates the cache. Duplicate usernames surface as
// ErrDuplicateUser so the caller can rewrite the response target to
// /registerError.html without treating it as a database failure.
func (c *UserCache) InsertUser(ctx context.Context, db *sql.DB, user, pass string) error {
	if c.Exists(user) {
		return ErrDuplicateUser
	}
	_, err := db.ExecContext(ctx, "INSERT INTO user (username, passwd) VALUES (?, ?)", user, pass)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	c.Put(user, pass)
	return nil
}
