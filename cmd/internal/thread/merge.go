// Package thread is the client-side orchestrator for one open conversation: it merges
// history, send confirmations and live feed notifications into one ordered,
// id-deduplicated view.
package thread

import (
	"sort"

	"bazaar/cmd/internal/messaging"
)

// Merge returns list with msg inserted in (created_at, id) order.
// If a message with the same id is already present, list is returned unchanged.
// list is never mutated, so Merge is safe to call on shared snapshots.
//
// Merge is idempotent and, for distinct messages, commutative: applying the same set of
// messages in any order yields the same list.
func Merge(list []messaging.Message, msg messaging.Message) []messaging.Message {
	if msg.ID == "" {
		return list
	}
	for i := range list {
		if list[i].ID == msg.ID {
			return list
		}
	}

	i := sort.Search(len(list), func(i int) bool { return msg.Before(list[i]) })

	out := make([]messaging.Message, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, msg)
	out = append(out, list[i:]...)
	return out
}

// MergeAll folds msgs into list with Merge.
func MergeAll(list []messaging.Message, msgs ...messaging.Message) []messaging.Message {
	for _, m := range msgs {
		list = Merge(list, m)
	}
	return list
}
