package reportstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const suppressPrefix = "sup/"

// SuppressAddress is a reporting address for which outgoing reports are
// withheld, e.g. because the address bounces or its postmaster asked for a
// pause.
type SuppressAddress struct {
	ReportingAddress string
	Until            time.Time
	Comment          string
}

func suppressKey(address string) string {
	return suppressPrefix + address
}

// SuppressPrefix is the scan prefix for all suppressions.
func SuppressPrefix() string {
	return suppressPrefix
}

// SuppressAdd adds or replaces a suppression.
func SuppressAdd(ctx context.Context, db DB, sa SuppressAddress) error {
	return db.AtomicUpsert(ctx, suppressKey(sa.ReportingAddress), func(v []byte, exists bool) ([]byte, error) {
		return json.Marshal(sa)
	})
}

// SuppressList returns all suppressions, including expired ones.
func SuppressList(ctx context.Context, db DB) ([]SuppressAddress, error) {
	var l []SuppressAddress
	err := db.RangeScan(ctx, suppressPrefix, func(key string, value []byte) (bool, error) {
		var sa SuppressAddress
		if err := json.Unmarshal(value, &sa); err != nil {
			return false, fmt.Errorf("decoding suppression %q: %v", key, err)
		}
		l = append(l, sa)
		return true, nil
	})
	return l, err
}

// SuppressRemove removes the suppression for address, if any.
func SuppressRemove(ctx context.Context, db DB, address string) error {
	return db.Delete(ctx, suppressKey(address))
}

// IsSuppressed reports whether reports to address are currently withheld.
func IsSuppressed(ctx context.Context, db DB, address string, now time.Time) (bool, error) {
	v, err := db.Get(ctx, suppressKey(address))
	if err == ErrAbsent {
		return false, nil
	} else if err != nil {
		return false, err
	}
	var sa SuppressAddress
	if err := json.Unmarshal(v, &sa); err != nil {
		return false, fmt.Errorf("decoding suppression for %q: %v", address, err)
	}
	return now.Before(sa.Until), nil
}
