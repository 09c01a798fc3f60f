package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

// PostgresProvider looks database-backed sessions up by token.
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) Name() string {
	return "postgres"
}

func (p *PostgresProvider) Verify(ctx context.Context, credential string) (*domain.Session, error) {
	query := `
		SELECT u.id, u.email, u.role, s.expires, s.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.session_token = $1 AND s.expires > NOW()
	`

	var s domain.Session
	var email, role sql.NullString
	var createdAt sql.NullTime

	err := p.db.QueryRowContext(ctx, query, credential).Scan(
		&s.UserID,
		&email,
		&role,
		&s.ExpiresAt,
		&createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	r, err := domain.ParseRole(role.String)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	s.Role = r
	if email.Valid {
		s.Email = email.String
	}
	if createdAt.Valid {
		s.CreatedAt = createdAt.Time
	}

	return &s, nil
}

// RevokeUser deletes every stored session of userID.
func (p *PostgresProvider) RevokeUser(ctx context.Context, userID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
