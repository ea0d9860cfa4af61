package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ernie/pong-live/internal/domain"
)

// tournamentRow mirrors the tournaments table. The indexed columns duplicate
// fields of the snapshot so listings can filter without decoding.
type tournamentRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Status    string `db:"status"`
	Version   int64  `db:"version"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
	Snapshot  []byte `db:"snapshot"`
}

func (s *Store) encode(t *domain.Tournament) ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding tournament %s: %w", t.ID, err)
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decode(row tournamentRow) (*domain.Tournament, error) {
	raw, err := s.dec.DecodeAll(row.Snapshot, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing tournament %s: %w", row.ID, err)
	}
	var t domain.Tournament
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decoding tournament %s: %w", row.ID, err)
	}
	return &t, nil
}

func (s *Store) decodeRows(rows []tournamentRow) ([]*domain.Tournament, error) {
	out := make([]*domain.Tournament, 0, len(rows))
	for _, row := range rows {
		t, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
