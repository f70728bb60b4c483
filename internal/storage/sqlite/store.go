// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"lpwatch/internal/model"
	"lpwatch/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  discord_id TEXT NOT NULL UNIQUE,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  protocol TEXT NOT NULL,
  position_id INTEGER NOT NULL,
  owner_discord_id TEXT NOT NULL REFERENCES users(discord_id) ON DELETE CASCADE,
  pool_address TEXT NOT NULL,
  token0_address TEXT NOT NULL,
  token1_address TEXT NOT NULL,
  fee INTEGER NOT NULL,
  tick_lower INTEGER NOT NULL,
  tick_upper INTEGER NOT NULL,
  liquidity TEXT NOT NULL,
  in_range INTEGER NOT NULL DEFAULT 0,
  burned INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(protocol, position_id)
);
CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner_discord_id, protocol);

CREATE TABLE IF NOT EXISTS tokens (
  address TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  decimals INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`

const positionColumns = `id, protocol, position_id, owner_discord_id, pool_address, token0_address, token1_address,
  fee, tick_lower, tick_upper, liquidity, in_range, burned, created_at, updated_at`

// Store provides SQLite persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (and creates) the database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Store) EnsureUser(ctx context.Context, discordID string) (model.User, error) {
	if discordID == "" {
		return model.User{}, fmt.Errorf("discord id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (discord_id, created_at) VALUES (?, ?) ON CONFLICT(discord_id) DO NOTHING`,
		discordID, s.nowMillis())
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, discordID)
}

func (s *Store) GetUser(ctx context.Context, discordID string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, discord_id, created_at FROM users WHERE discord_id = ?`, discordID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, storage.ErrNotFound
	}
	return user, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, discord_id, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func (s *Store) InsertPosition(ctx context.Context, pos model.Position) (model.Position, error) {
	now := s.nowMillis()
	row := s.db.QueryRowContext(ctx, `
INSERT INTO positions (
  protocol, position_id, owner_discord_id, pool_address, token0_address, token1_address,
  fee, tick_lower, tick_upper, liquidity, in_range, burned, created_at, updated_at
)
SELECT ?, ?, discord_id, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?
FROM users WHERE discord_id = ?
RETURNING `+positionColumns,
		string(pos.Protocol), int64(pos.PositionID), pos.PoolAddress, pos.Token0Address, pos.Token1Address,
		pos.Fee, pos.TickLower, pos.TickUpper, pos.Liquidity, pos.InRange, now, now,
		pos.OwnerDiscordID,
	)
	inserted, err := scanPosition(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Position{}, fmt.Errorf("owner %s: %w", pos.OwnerDiscordID, storage.ErrNotFound)
	case isUniqueViolation(err):
		return model.Position{}, storage.ErrAlreadyExists
	case err != nil:
		return model.Position{}, fmt.Errorf("insert position: %w", err)
	}
	return inserted, nil
}

func (s *Store) GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE protocol = ? AND position_id = ?`,
		string(protocol), int64(positionID))
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, storage.ErrNotFound
	}
	return pos, err
}

func (s *Store) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE burned = 0 ORDER BY id`)
}

func (s *Store) ListTrackedPositions(ctx context.Context, discordID string, protocol model.Protocol) ([]model.Position, error) {
	return s.queryPositions(ctx, `
SELECT `+positionColumns+` FROM positions
WHERE burned = 0 AND owner_discord_id = ? AND (? = '' OR protocol = ?)
ORDER BY id`, discordID, string(protocol), string(protocol))
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...interface{}) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePositionStatus(ctx context.Context, id int64, inRange bool) error {
	return s.execOne(ctx, `UPDATE positions SET in_range = ?, updated_at = ? WHERE id = ?`, inRange, s.nowMillis(), id)
}

func (s *Store) MarkBurned(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE positions SET burned = 1, updated_at = ? WHERE id = ?`, s.nowMillis(), id)
}

func (s *Store) RemovePosition(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) error {
	return s.execOne(ctx,
		`DELETE FROM positions WHERE owner_discord_id = ? AND protocol = ? AND position_id = ?`,
		discordID, string(protocol), int64(positionID))
}

func (s *Store) RemoveAllPositions(ctx context.Context, discordID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE owner_discord_id = ?`, discordID)
	if err != nil {
		return 0, fmt.Errorf("remove positions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertToken(ctx context.Context, token model.Token) error {
	if token.Address == "" {
		return fmt.Errorf("token address is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tokens (address, symbol, name, decimals, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
  symbol = excluded.symbol,
  name = excluded.name,
  decimals = excluded.decimals,
  updated_at = excluded.updated_at`,
		token.Address, token.Symbol, token.Name, token.Decimals, s.nowMillis())
	return err
}

func (s *Store) GetToken(ctx context.Context, address string) (model.Token, error) {
	var token model.Token
	err := s.db.QueryRowContext(ctx,
		`SELECT address, symbol, name, decimals FROM tokens WHERE address = ?`, address,
	).Scan(&token.Address, &token.Symbol, &token.Name, &token.Decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Token{}, storage.ErrNotFound
	}
	return token, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (model.User, error) {
	var (
		user      model.User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.DiscordID, &createdAt); err != nil {
		return model.User{}, err
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return user, nil
}

func scanPosition(row scanner) (model.Position, error) {
	var (
		pos                  model.Position
		protocol             string
		positionID           int64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&pos.ID, &protocol, &positionID, &pos.OwnerDiscordID, &pos.PoolAddress, &pos.Token0Address, &pos.Token1Address,
		&pos.Fee, &pos.TickLower, &pos.TickUpper, &pos.Liquidity, &pos.InRange, &pos.Burned, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Position{}, err
	}
	pos.Protocol = model.Protocol(protocol)
	pos.PositionID = uint64(positionID)
	pos.CreatedAt = time.UnixMilli(createdAt).UTC()
	pos.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return pos, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
