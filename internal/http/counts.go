package http

import (
	"context"

	"github.com/fyrsmithlabs/curator/internal/knowledge"
)

// CountItems counts stored items per status.
//
// A status whose listing fails is reported as -1 so a flaky store shows up
// in /status instead of failing the whole response.
func CountItems(ctx context.Context, store knowledge.ItemStore) ItemCounts {
	if store == nil {
		return ItemCounts{Pending: -1, Validated: -1, Rejected: -1, Outdated: -1, Archived: -1}
	}

	count := func(status knowledge.ItemStatus) int {
		items, err := store.ListItems(ctx, knowledge.ItemFilter{Statuses: []knowledge.ItemStatus{status}})
		if err != nil {
			return -1
		}
		return len(items)
	}
	return ItemCounts{
		Pending:   count(knowledge.StatusPending),
		Validated: count(knowledge.StatusValidated),
		Rejected:  count(knowledge.StatusRejected),
		Outdated:  count(knowledge.StatusOutdated),
		Archived:  count(knowledge.StatusArchived),
	}
}
