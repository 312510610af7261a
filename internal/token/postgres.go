package token

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store against the tokens table.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

func (*PGStore) Create(ctx context.Context, q Querier, t *Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var fp sql.NullString
	if t.DeviceFingerprintHash != "" {
		fp = sql.NullString{String: t.DeviceFingerprintHash, Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`insert into tokens(id, user_uuid, token_hash, issued_at, expires_at, revoked, device_fingerprint_hash)
		 values($1,$2,$3,$4,$5,false,$6)`,
		t.ID, t.UserID, t.TokenHash, t.IssuedAt, t.ExpiresAt, fp,
	)
	return err
}

func (*PGStore) Find(ctx context.Context, q Querier, id string) (*Token, error) {
	row := q.QueryRowContext(ctx,
		`select id, user_uuid, token_hash, issued_at, expires_at, revoked, device_fingerprint_hash
		 from tokens where id=$1`, id)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (*PGStore) ActiveByUser(ctx context.Context, q Querier, userID string, now time.Time) ([]Token, error) {
	rows, err := q.QueryContext(ctx,
		`select id, user_uuid, token_hash, issued_at, expires_at, revoked, device_fingerprint_hash
		 from tokens
		 where user_uuid=$1 and revoked=false and expires_at > $2
		 order by issued_at desc`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

func (*PGStore) Revoke(ctx context.Context, q Querier, ids []string) (int64, error) {
	var total int64
	for _, id := range ids {
		res, err := q.ExecContext(ctx,
			`update tokens set revoked=true where id=$1 and revoked=false`, id)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(s scanner) (*Token, error) {
	var t Token
	var fp sql.NullString
	if err := s.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.Revoked, &fp); err != nil {
		return nil, err
	}
	if fp.Valid {
		t.DeviceFingerprintHash = fp.String
	}
	return &t, nil
}
