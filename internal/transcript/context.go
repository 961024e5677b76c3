package transcript

import "strings"

// DefaultContextWords is the number of words kept in the context tail
const DefaultContextWords = 32

// Tail appends incoming to existing and keeps at most maxWords trailing words.
// Words are split on any whitespace and rejoined with single spaces.
func Tail(existing, incoming string, maxWords int) string {
	if maxWords <= 0 {
		return ""
	}

	words := strings.Fields(existing)
	words = append(words, strings.Fields(incoming)...)
	if len(words) > maxWords {
		words = words[len(words)-maxWords:]
	}

	return strings.Join(words, " ")
}

// Tracker holds the rolling context tail of one session
type Tracker struct {
	maxWords int
	tail     string
}

// NewTracker creates an empty tracker. Non-positive maxWords falls back to
// DefaultContextWords.
func NewTracker(maxWords int) *Tracker {
	if maxWords <= 0 {
		maxWords = DefaultContextWords
	}
	return &Tracker{maxWords: maxWords}
}

// Update folds an accepted transcript into the tail
func (t *Tracker) Update(text string) {
	t.tail = Tail(t.tail, text, t.maxWords)
}

// Tail returns the current context tail
func (t *Tracker) Tail() string {
	return t.tail
}
