// ABOUTME: Collapses linked-device address variants into one conversation
// ABOUTME: Pure function over conversation rows, keyed by canonical digits

package conversation

import (
	"sort"

	"github.com/mitbiz/wagate/internal/store"
	"github.com/mitbiz/wagate/internal/wire"
)

// Merged is one unified conversation. Conversation holds the primary
// row's summary with aggregated unread count; AlternativeAddresses lists
// the other wire forms the same contact appeared under, so history reads
// and read marks can cover all of them.
type Merged struct {
	Conversation         *store.Conversation
	AlternativeAddresses []string
}

// Addresses returns the primary address plus all alternatives.
func (m *Merged) Addresses() []string {
	out := make([]string, 0, 1+len(m.AlternativeAddresses))
	out = append(out, m.Conversation.Address)
	out = append(out, m.AlternativeAddresses...)
	return out
}

// Merge unifies conversation rows that belong to the same contact. Rows
// sharing a merge key collapse into one entry: the row with the newest
// activity becomes the primary, unread counts are summed, and the first
// non-empty display name in input order wins. Group conversations never
// merge. The result is ordered by last activity, newest first.
func Merge(convs []*store.Conversation) []*Merged {
	byKey := make(map[string]*Merged, len(convs))
	keys := make([]string, 0, len(convs))

	for _, c := range convs {
		key := wire.MergeKey(c.Address, c.IsGroup)
		m, ok := byKey[key]
		if !ok {
			copied := *c
			byKey[key] = &Merged{Conversation: &copied}
			keys = append(keys, key)
			continue
		}

		m.Conversation.UnreadCount += c.UnreadCount
		if m.Conversation.DisplayName == "" {
			m.Conversation.DisplayName = c.DisplayName
		}

		if c.LastMessageAt.After(m.Conversation.LastMessageAt) {
			// This variant is fresher; it becomes the face of the merge.
			m.AlternativeAddresses = append(m.AlternativeAddresses, m.Conversation.Address)
			unread := m.Conversation.UnreadCount
			name := m.Conversation.DisplayName
			copied := *c
			m.Conversation = &copied
			m.Conversation.UnreadCount = unread
			if name != "" {
				m.Conversation.DisplayName = name
			}
		} else {
			m.AlternativeAddresses = append(m.AlternativeAddresses, c.Address)
		}
	}

	out := make([]*Merged, 0, len(keys))
	for _, key := range keys {
		out = append(out, byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Conversation.LastMessageAt.After(out[j].Conversation.LastMessageAt)
	})
	return out
}
