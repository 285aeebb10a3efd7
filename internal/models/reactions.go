package models

import "github.com/samber/lo"

// Reaction groups the users that reacted to a message with one emoji.
// Count is always len(Users).
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// ReactionOf returns the emoji userID currently holds on the message, if any.
func ReactionOf(reactions []Reaction, userID string) (string, bool) {
	for _, r := range reactions {
		if lo.Contains(r.Users, userID) {
			return r.Emoji, true
		}
	}
	return "", false
}

// ApplyReaction applies a user's emoji selection with at most one active
// reaction per user: selecting the held emoji again removes it, selecting a
// different one replaces it. The input slice is not modified.
func ApplyReaction(reactions []Reaction, userID, emoji string) []Reaction {
	held, hadAny := ReactionOf(reactions, userID)

	result := make([]Reaction, 0, len(reactions)+1)
	for _, r := range reactions {
		result = append(result, Reaction{
			Emoji: r.Emoji,
			Users: lo.Without(r.Users, userID),
		})
	}

	if !hadAny || held != emoji {
		added := false
		for i := range result {
			if result[i].Emoji == emoji {
				result[i].Users = append(result[i].Users, userID)
				added = true
				break
			}
		}
		if !added {
			result = append(result, Reaction{Emoji: emoji, Users: []string{userID}})
		}
	}

	return NormalizeReactions(result)
}

// NormalizeReactions drops empty groups, de-duplicates users and recomputes counts.
func NormalizeReactions(reactions []Reaction) []Reaction {
	out := lo.FilterMap(reactions, func(r Reaction, _ int) (Reaction, bool) {
		users := lo.Uniq(r.Users)
		return Reaction{Emoji: r.Emoji, Users: users, Count: len(users)}, len(users) > 0
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
