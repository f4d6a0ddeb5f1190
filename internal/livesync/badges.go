package livesync

import (
	"sort"
	"time"
)

// ComputeUnread derives per-category unread counts from a cache snapshot,
// the stored watermarks, the currently focused conversation, and the
// identity of the local user.
//
// It is a pure function of its inputs: calling it twice with the same
// arguments yields the same result, and it never depends on the order in
// which change events arrived. That property is what makes the engine
// safe under duplicate and out-of-order change-feed delivery.
//
// Chat categories count by read-by set and focus; the activity and tasks
// feeds count by watermark. Soft-deleted entities and entities authored
// by selfID never count.
func ComputeUnread(
	snap Snapshot,
	marks map[string]time.Time,
	focus Conversation,
	selfID string,
	knownUsers map[string]bool,
) []Badge {
	counts := map[string]int{}

	for _, m := range snap.Messages {
		if m.DeletedAt != nil || m.CreatedBy == selfID {
			continue
		}
		if m.ReadByUser(selfID) {
			continue
		}
		switch {
		case m.Recipient == "":
			// Broadcast message: suppressed only while the team
			// conversation is open.
			if focus.Kind == ConversationTeam {
				continue
			}
			counts[CategoryTeam]++
		case m.Recipient == selfID:
			// A DM from a sender outside the known-users set has no
			// conversation view to land in and is never surfaced.
			if !knownUsers[m.CreatedBy] {
				continue
			}
			if focus.Kind == ConversationDirect && focus.Peer == m.CreatedBy {
				continue
			}
			counts[DirectCategory(m.CreatedBy)]++
		default:
			// Cross-talk between other users is invisible here.
		}
	}

	taskMark := marks[CategoryTasks]
	for _, t := range snap.Tasks {
		if t.DeletedAt != nil || t.CreatedBy == selfID {
			continue
		}
		if t.CreatedAt.After(taskMark) {
			counts[CategoryTasks]++
		}
	}

	activityMark := marks[CategoryActivity]
	for _, ev := range snap.Activity {
		if ev.DeletedAt != nil || ev.CreatedBy == selfID {
			continue
		}
		if ev.CreatedAt.After(activityMark) {
			counts[CategoryActivity]++
		}
	}

	badges := make([]Badge, 0, len(counts))
	for category, count := range counts {
		if count <= 0 {
			continue
		}
		badges = append(badges, Badge{Category: category, Count: count})
	}
	sort.Slice(badges, func(i, j int) bool {
		return badges[i].Category < badges[j].Category
	})
	return badges
}

// BadgesEqual reports whether two badge lists carry the same categories
// and counts. Both inputs are expected in ComputeUnread's sorted order.
func BadgesEqual(a, b []Badge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
