package storage

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// UpsertPeerEndpoint records where a passport was last seen listening.
func (s *Store) UpsertPeerEndpoint(passport, displayName, ip string, port int, lastSeenTimestamp int64) error {
	if passport == "" {
		return errors.New("passport is required")
	}
	if strings.TrimSpace(ip) == "" {
		return errors.New("ip is required")
	}
	if port <= 0 {
		return errors.New("port must be > 0")
	}
	if lastSeenTimestamp == 0 {
		lastSeenTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			passport,
			display_name,
			last_known_ip,
			last_known_port,
			last_seen_timestamp
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(passport) DO UPDATE SET
			display_name = CASE
				WHEN excluded.display_name <> '' THEN excluded.display_name
				ELSE display_name
			END,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port,
			last_seen_timestamp = excluded.last_seen_timestamp`,
		passport,
		displayName,
		ip,
		port,
		lastSeenTimestamp,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert peer endpoint %q", passport)
	}
	return nil
}

// GetPeer fetches a peer by passport.
func (s *Store) GetPeer(passport string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			passport,
			display_name,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM peers
		WHERE passport = ?`,
		passport,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get peer %q", passport)
	}
	return peer, nil
}

// ListPeers returns all known peers ordered by passport.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			passport,
			display_name,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM peers
		ORDER BY passport`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list peers")
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, scanErr := scanPeer(rows)
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "scan peer row")
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate peer rows")
	}
	return peers, nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		lastSeen      sql.NullInt64
		lastKnownIP   sql.NullString
		lastKnownPort sql.NullInt64
	)

	if err := row.Scan(
		&peer.Passport,
		&peer.DisplayName,
		&lastSeen,
		&lastKnownIP,
		&lastKnownPort,
	); err != nil {
		return nil, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownIP = stringPtr(lastKnownIP)
	peer.LastKnownPort = intPtrFromNullInt64(lastKnownPort)

	return &peer, nil
}
