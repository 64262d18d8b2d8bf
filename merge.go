package crewchat

// MergeMessages merges a refetched message list into an existing one.
//
// The incoming list is authoritative for message existence: messages present
// only in existing are dropped. For messages present in both, every field is
// taken from incoming except attachments, which become the union-by-id of
// both lists (incoming wins on conflicting ids). Attachments are special
// because they can arrive over the socket before the owning message shows up
// in a refetch, and a refetch must not erase them.
//
// Pure function: neither input is mutated.
func MergeMessages(existing, incoming []Message) []Message {
	if len(existing) == 0 {
		return incoming
	}
	if len(incoming) == 0 {
		return existing
	}

	prior := make(map[int64]*Message, len(existing))
	for i := range existing {
		prior[existing[i].ID] = &existing[i]
	}

	merged := make([]Message, 0, len(incoming))
	for _, in := range incoming {
		old, ok := prior[in.ID]
		if !ok {
			merged = append(merged, in)
			continue
		}
		in.Attachments = mergeAttachments(old.Attachments, in.Attachments)
		merged = append(merged, in)
	}
	return merged
}

// mergeAttachments unions two attachment lists by id, incoming winning on
// conflicts. Order: existing-only attachments first, then incoming.
func mergeAttachments(existing, incoming []Attachment) []Attachment {
	if len(existing) == 0 {
		return incoming
	}
	if len(incoming) == 0 {
		return existing
	}

	seen := make(map[int64]bool, len(incoming))
	for _, a := range incoming {
		seen[a.ID] = true
	}

	union := make([]Attachment, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if !seen[a.ID] {
			union = append(union, a)
		}
	}
	return append(union, incoming...)
}

// appendAttachment adds an attachment to a message unless one with the same
// id is already present.
func appendAttachment(m *Message, a Attachment) bool {
	for _, have := range m.Attachments {
		if have.ID == a.ID {
			return false
		}
	}
	m.Attachments = append(m.Attachments, a)
	return true
}
