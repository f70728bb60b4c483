package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lpwatch/internal/model"
	"lpwatch/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const positionColumns = `id, protocol, position_id, owner_discord_id, pool_address, token0_address, token1_address,
	fee, tick_lower, tick_upper, liquidity::text, in_range, burned, created_at, updated_at`

// Store provides Postgres persistence for users, positions and tokens.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema in one batch.
func (s *Store) Migrate(ctx context.Context) error {
	statements := splitStatements(schemaSQL)
	batch := &pgx.Batch{}
	for _, stmt := range statements {
		batch.Queue(stmt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, stmt := range statements {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("migrate %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(stmt string) string {
	if idx := strings.IndexByte(stmt, '\n'); idx >= 0 {
		return stmt[:idx]
	}
	return stmt
}

func (s *Store) EnsureUser(ctx context.Context, discordID string) (model.User, error) {
	if discordID == "" {
		return model.User{}, fmt.Errorf("discord id is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (discord_id) VALUES ($1)
		ON CONFLICT (discord_id) DO UPDATE SET discord_id = EXCLUDED.discord_id
		RETURNING id, discord_id, created_at
	`, discordID)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, discordID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, discord_id, created_at FROM users WHERE discord_id=$1`, discordID)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, storage.ErrNotFound
	}
	return user, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, discord_id, created_at FROM users ORDER BY id`)
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
	row := s.pool.QueryRow(ctx, `
		INSERT INTO positions (
			protocol, position_id, owner_discord_id, pool_address, token0_address, token1_address,
			fee, tick_lower, tick_upper, liquidity, in_range
		)
		SELECT $1::text, $2::bigint, discord_id, $3::text, $4::text, $5::text,
			$6::integer, $7::integer, $8::integer, $9::numeric, $10::boolean
		FROM users WHERE discord_id = $11
		RETURNING `+positionColumns,
		string(pos.Protocol),
		int64(pos.PositionID),
		pos.PoolAddress,
		pos.Token0Address,
		pos.Token1Address,
		int64(pos.Fee),
		pos.TickLower,
		pos.TickUpper,
		pos.Liquidity,
		pos.InRange,
		pos.OwnerDiscordID,
	)
	inserted, err := scanPosition(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Position{}, fmt.Errorf("owner %s: %w", pos.OwnerDiscordID, storage.ErrNotFound)
	case isUniqueViolation(err):
		return model.Position{}, storage.ErrAlreadyExists
	case err != nil:
		return model.Position{}, fmt.Errorf("insert position: %w", err)
	}
	return inserted, nil
}

func (s *Store) GetPosition(ctx context.Context, protocol model.Protocol, positionID uint64) (model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE protocol=$1 AND position_id=$2`,
		string(protocol), int64(positionID))
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, storage.ErrNotFound
	}
	return pos, err
}

func (s *Store) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE NOT burned ORDER BY id`)
}

func (s *Store) ListTrackedPositions(ctx context.Context, discordID string, protocol model.Protocol) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE NOT burned AND owner_discord_id=$1 AND ($2 = '' OR protocol = $2)
		ORDER BY id
	`, discordID, string(protocol))
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	return s.execOne(ctx, `UPDATE positions SET in_range=$2, updated_at=now() WHERE id=$1`, id, inRange)
}

func (s *Store) MarkBurned(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE positions SET burned=true, updated_at=now() WHERE id=$1`, id)
}

func (s *Store) RemovePosition(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) error {
	return s.execOne(ctx,
		`DELETE FROM positions WHERE owner_discord_id=$1 AND protocol=$2 AND position_id=$3`,
		discordID, string(protocol), int64(positionID))
}

func (s *Store) RemoveAllPositions(ctx context.Context, discordID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE owner_discord_id=$1`, discordID)
	if err != nil {
		return 0, fmt.Errorf("remove positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertToken(ctx context.Context, token model.Token) error {
	if token.Address == "" {
		return fmt.Errorf("token address is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (address, symbol, name, decimals, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			updated_at = now()
	`, token.Address, token.Symbol, token.Name, int16(token.Decimals))
	return err
}

func (s *Store) GetToken(ctx context.Context, address string) (model.Token, error) {
	var (
		token    model.Token
		decimals int16
	)
	err := s.pool.QueryRow(ctx,
		`SELECT address, symbol, name, decimals FROM tokens WHERE address=$1`, address,
	).Scan(&token.Address, &token.Symbol, &token.Name, &decimals)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Token{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Token{}, err
	}
	token.Decimals = uint8(decimals)
	return token, nil
}

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	if err := row.Scan(&user.ID, &user.DiscordID, &user.CreatedAt); err != nil {
		return model.User{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func scanPosition(row pgx.Row) (model.Position, error) {
	var (
		pos                  model.Position
		protocol             string
		positionID, fee      int64
		tickLower, tickUpper int32
		createdAt, updatedAt time.Time
	)
	err := row.Scan(
		&pos.ID, &protocol, &positionID, &pos.OwnerDiscordID, &pos.PoolAddress, &pos.Token0Address, &pos.Token1Address,
		&fee, &tickLower, &tickUpper, &pos.Liquidity, &pos.InRange, &pos.Burned, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Position{}, err
	}
	pos.Protocol = model.Protocol(protocol)
	pos.PositionID = uint64(positionID)
	pos.Fee = uint32(fee)
	pos.TickLower = tickLower
	pos.TickUpper = tickUpper
	pos.CreatedAt = createdAt.UTC()
	pos.UpdatedAt = updatedAt.UTC()
	return pos, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
