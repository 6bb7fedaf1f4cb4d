package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

const (
	TransferStatusPending  = "pending"
	TransferStatusActive   = "active"
	TransferStatusComplete = "complete"
	TransferStatusCanceled = "canceled"
	TransferStatusDeclined = "declined"
	TransferStatusFailed   = "failed"
)

// Transfer is the SQLite representation of one call.
type Transfer struct {
	CallID    string
	SessionID uint32
	Peer      string
	Direction string
	AppID     uint32
	Name      string
	Size      uint64
	Bytes     uint64
	Status    string
	Error     string
	StartedAt int64
	UpdatedAt int64
}

// Object is a stored MSN object payload keyed by its SHA1D.
type Object struct {
	SHA1D    string
	Creator  string
	Type     int
	Location string
	Size     int64
	Data     []byte
	StoredAt int64
}

// Peer is the last known direct-connection endpoint of a passport.
type Peer struct {
	Passport          string
	DisplayName       string
	LastKnownIP       *string
	LastKnownPort     *int
	LastSeenTimestamp *int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Peer   string
	Status string
	Limit  int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionIncoming, DirectionOutgoing:
		return nil
	default:
		return errors.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusComplete,
		TransferStatusCanceled, TransferStatusDeclined, TransferStatusFailed:
		return nil
	default:
		return errors.Errorf("invalid transfer status %q", status)
	}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
