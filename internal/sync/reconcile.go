package sync

import (
	"context"
	"fmt"

	"github.com/renderinc/research-reports/internal/report"
)

// Action is what the pipeline does with one record.
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionSkipExisting
	ActionSkipDuplicate
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionSkipExisting:
		return "skip-existing"
	case ActionSkipDuplicate:
		return "skip-duplicate"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the reconciliation outcome for one record.
type Decision struct {
	Action     Action
	ExistingID int64
}

// Skips reports whether the record needs no further work.
func (d Decision) Skips() bool {
	return d.Action == ActionSkipExisting || d.Action == ActionSkipDuplicate
}

// Reconcile decides insert, update or skip for every key with a single
// batched lookup. The first occurrence of a key in the batch is the one that
// gets processed; later occurrences are skipped as duplicates. With
// skipExisting, stored matches are left untouched; otherwise they are
// overwritten.
func Reconcile(ctx context.Context, store Store, keys []report.Key, skipExisting bool) ([]Decision, error) {
	existing := make(map[string]int64)
	if len(keys) > 0 {
		found, err := store.FindExisting(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("find existing: %w", err)
		}
		for _, k := range found {
			existing[k.Key.String()] = k.ID
		}
	}

	decisions := make([]Decision, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		ks := k.String()
		if _, dup := seen[ks]; dup {
			decisions[i] = Decision{Action: ActionSkipDuplicate}
			continue
		}
		seen[ks] = struct{}{}

		id, ok := existing[ks]
		switch {
		case !ok:
			decisions[i] = Decision{Action: ActionInsert}
		case skipExisting:
			decisions[i] = Decision{Action: ActionSkipExisting, ExistingID: id}
		default:
			decisions[i] = Decision{Action: ActionUpdate, ExistingID: id}
		}
	}
	return decisions, nil
}
