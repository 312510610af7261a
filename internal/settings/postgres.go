package settings

import (
	"context"
	"database/sql"
)

var _ Source = (*PGSource)(nil)

// PGSource loads settings from the settings table.
type PGSource struct {
	db *sql.DB
}

func NewPGSource(db *sql.DB) *PGSource {
	return &PGSource{db: db}
}

func (s *PGSource) LoadAll(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`select category, key, value, value_type, updated_at from settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Setting
	for rows.Next() {
		var st Setting
		var typ string
		if err := rows.Scan(&st.Category, &st.Key, &st.RawValue, &typ, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Type = ValueType(typ)
		res = append(res, st)
	}
	return res, rows.Err()
}
