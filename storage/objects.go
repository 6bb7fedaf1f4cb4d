package storage

import (
	"database/sql"

	"github.com/pkg/errors"
)

// SaveObject stores an object payload. Saving the same SHA1D twice keeps the first copy.
func (s *Store) SaveObject(obj Object) error {
	if obj.SHA1D == "" {
		return errors.New("sha1d is required")
	}
	if obj.Creator == "" {
		return errors.New("creator is required")
	}
	if obj.Size != int64(len(obj.Data)) {
		return errors.Errorf("object size %d does not match %d data bytes", obj.Size, len(obj.Data))
	}
	if obj.StoredAt == 0 {
		obj.StoredAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO objects (
			sha1d,
			creator,
			type,
			location,
			size,
			data,
			stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha1d) DO NOTHING`,
		obj.SHA1D,
		obj.Creator,
		obj.Type,
		obj.Location,
		obj.Size,
		obj.Data,
		obj.StoredAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert object %q", obj.SHA1D)
	}
	return nil
}

// GetObject fetches an object by SHA1D.
func (s *Store) GetObject(sha1d string) (*Object, error) {
	row := s.db.QueryRow(
		`SELECT sha1d, creator, type, location, size, data, stored_at
		FROM objects
		WHERE sha1d = ?`,
		sha1d,
	)
	return getObject(row, sha1d)
}

// FindObject fetches the newest object published by creator at location.
func (s *Store) FindObject(creator, location string) (*Object, error) {
	row := s.db.QueryRow(
		`SELECT sha1d, creator, type, location, size, data, stored_at
		FROM objects
		WHERE creator = ? AND location = ?
		ORDER BY stored_at DESC
		LIMIT 1`,
		creator,
		location,
	)
	return getObject(row, creator+"/"+location)
}

func getObject(row *sql.Row, key string) (*Object, error) {
	var obj Object
	if err := row.Scan(
		&obj.SHA1D,
		&obj.Creator,
		&obj.Type,
		&obj.Location,
		&obj.Size,
		&obj.Data,
		&obj.StoredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get object %q", key)
	}
	return &obj, nil
}
