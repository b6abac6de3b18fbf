package chatsync

// Reaction bookkeeping keeps ReactionCounts and ReactionScores consistent with
// LatestReactions/OwnReactions: counts never go negative and a type whose count
// reaches zero is removed from the map.

func sameReaction(a, b Reaction) bool {
	return a.Type == b.Type && a.UserID == b.UserID
}

func containsReaction(list []Reaction, r Reaction) bool {
	for _, x := range list {
		if sameReaction(x, r) {
			return true
		}
	}
	return false
}

func withoutReaction(list []Reaction, r Reaction) []Reaction {
	out := list[:0:0]
	for _, x := range list {
		if !sameReaction(x, r) {
			out = append(out, x)
		}
	}
	return out
}

// withoutOtherUserReactions drops the user's reactions of any type but keep.
func withoutOtherUserReactions(list []Reaction, userID, keep string) []Reaction {
	out := list[:0:0]
	for _, x := range list {
		if x.UserID != userID || x.Type == keep {
			out = append(out, x)
		}
	}
	return out
}

func reactionScore(r Reaction) int {
	if r.Score <= 0 {
		return 1
	}
	return r.Score
}

func adjustCount(m map[string]int, key string, delta int) map[string]int {
	if m == nil {
		m = make(map[string]int)
	}
	v := m[key] + delta
	if v <= 0 {
		delete(m, key)
	} else {
		m[key] = v
	}
	return m
}

// AddReaction records a reaction on the message. own marks reactions of the
// current user. With enforceUnique the user's other reactions are dropped
// first.
func (m *Message) AddReaction(r Reaction, own, enforceUnique bool) {
	if r.MessageID == "" {
		r.MessageID = m.ID
	}
	if enforceUnique {
		for _, prev := range m.LatestReactions {
			if prev.UserID == r.UserID && prev.Type != r.Type {
				m.ReactionCounts = adjustCount(m.ReactionCounts, prev.Type, -1)
				m.ReactionScores = adjustCount(m.ReactionScores, prev.Type, -reactionScore(prev))
			}
		}
		m.LatestReactions = withoutOtherUserReactions(m.LatestReactions, r.UserID, r.Type)
		if own {
			m.OwnReactions = withoutOtherUserReactions(m.OwnReactions, r.UserID, r.Type)
		}
	}

	if containsReaction(m.LatestReactions, r) {
		for _, prev := range m.LatestReactions {
			if sameReaction(prev, r) {
				m.ReactionScores = adjustCount(m.ReactionScores, r.Type, reactionScore(r)-reactionScore(prev))
			}
		}
	} else {
		m.ReactionCounts = adjustCount(m.ReactionCounts, r.Type, 1)
		m.ReactionScores = adjustCount(m.ReactionScores, r.Type, reactionScore(r))
	}
	m.LatestReactions = append(withoutReaction(m.LatestReactions, r), r)
	if own {
		m.OwnReactions = append(withoutReaction(m.OwnReactions, r), r)
	}
}

// RemoveReaction removes a reaction. Removing an unknown reaction is a no-op
// for the counters.
func (m *Message) RemoveReaction(r Reaction, own bool) {
	known := containsReaction(m.LatestReactions, r) || (own && containsReaction(m.OwnReactions, r))
	if known {
		m.ReactionCounts = adjustCount(m.ReactionCounts, r.Type, -1)
		m.ReactionScores = adjustCount(m.ReactionScores, r.Type, -reactionScore(r))
	}
	m.LatestReactions = withoutReaction(m.LatestReactions, r)
	if own {
		m.OwnReactions = withoutReaction(m.OwnReactions, r)
	}
}

// normalizeCounts drops non-positive entries; nil stays nil.
func normalizeCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
