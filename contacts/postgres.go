package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paybot/openpay/types"
)

// PostgresStore persists contacts in Postgres. The schema enforces the
// per-user destination uniqueness invariant:
//
//	CREATE TABLE contacts (
//	    id             BIGSERIAL PRIMARY KEY,
//	    user_id        TEXT NOT NULL,
//	    name           TEXT NOT NULL,
//	    wallet_address TEXT NOT NULL,
//	    note           TEXT NOT NULL DEFAULT '',
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (user_id, wallet_address)
//	);
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListContacts(ctx context.Context, userID string) ([]types.Contact, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, wallet_address, note, created_at
		   FROM contacts WHERE user_id = $1 ORDER BY created_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var list []types.Contact
	for rows.Next() {
		var c types.Contact
		var id int64
		var dest string
		if err := rows.Scan(&id, &c.Name, &dest, &c.Note, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.ID = fmt.Sprint(id)
		c.Destination = types.AccountIdentifier(dest)
		list = append(list, c)
	}

	return list, rows.Err()
}

func (s *PostgresStore) AddContact(ctx context.Context, userID, name string, destination types.AccountIdentifier, note string) (*types.Contact, error) {
	contact := types.Contact{
		Name:        name,
		Destination: destination,
		Note:        note,
	}

	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO contacts (user_id, name, wallet_address, note)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		userID, name, destination.String(), note,
	).Scan(&id, &contact.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &types.Error{
				Code:    types.ErrDuplicateContact,
				Message: fmt.Sprintf("a contact with destination %s already exists", destination),
			}
		}
		return nil, fmt.Errorf("add contact: %w", err)
	}

	contact.ID = fmt.Sprint(id)
	return &contact, nil
}

func (s *PostgresStore) RemoveContact(ctx context.Context, userID, contactID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM contacts WHERE user_id = $1 AND id::text = $2`,
		userID, contactID)
	if err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.Error{
			Code:    types.ErrContactNotFound,
			Message: fmt.Sprintf("no contact with id %s", contactID),
		}
	}
	return nil
}
