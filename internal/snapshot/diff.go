package snapshot

import (
	"errors"
	"fmt"

	"coursewatch/internal/model"
)

// ErrDuplicateKey is returned when a snapshot holds two records for the same
// session slot.
var ErrDuplicateKey = errors.New("duplicate session key in snapshot")

// ValidateKeys reports an error wrapping ErrDuplicateKey if two records in
// snap share an identity key.
func ValidateKeys(snap model.Snapshot) error {
	seen := make(map[model.Key]struct{}, len(snap))
	for _, r := range snap {
		k := r.Key()
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Diff returns the records of cur that became available since prev.
//
// When hasPrev is false (first observation of the course) every AVAILABLE
// record of cur is returned. Otherwise prev and cur are inner-joined on the
// identity key and a cur record is kept iff its previous status was not
// AVAILABLE and its current status is. Slots present on only one side are
// ignored. Output follows the order of cur.
func Diff(prev model.Snapshot, hasPrev bool, cur model.Snapshot) ([]model.SessionRecord, error) {
	if err := ValidateKeys(cur); err != nil {
		return nil, err
	}
	if !hasPrev {
		return cur.Available(), nil
	}
	if err := ValidateKeys(prev); err != nil {
		return nil, fmt.Errorf("previous snapshot: %w", err)
	}

	before := make(map[model.Key]model.Status, len(prev))
	for _, r := range prev {
		before[r.Key()] = r.Status
	}

	out := make([]model.SessionRecord, 0)
	for _, r := range cur {
		old, matched := before[r.Key()]
		if !matched {
			continue
		}
		if old != model.StatusAvailable && r.Status == model.StatusAvailable {
			out = append(out, r)
		}
	}
	return out, nil
}
