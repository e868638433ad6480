// Package classifier maps free text to a risk/sentiment category by literal
// keyword containment.
package classifier

import (
	"strings"

	"golang.org/x/text/cases"

	"soulchat/pkg/types"
)

// Classifier holds case-folded keyword lists. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	lists map[types.Category][]string
}

// New builds a classifier from a lexicon. Keywords are case-folded once here
// so Classify only folds the input text.
func New(lexicon *Lexicon) *Classifier {
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	c := &Classifier{lists: make(map[types.Category][]string, len(types.CategoryPriority))}
	for _, category := range types.CategoryPriority {
		c.lists[category] = foldAll(lexicon.words(category))
	}
	return c
}

// Classify returns the first category, in priority order, with a keyword
// contained in text. Empty text and text without matches are Neutral.
func (c *Classifier) Classify(text string) types.Category {
	if text == "" {
		return types.CategoryNeutral
	}
	folded := fold(text)
	for _, category := range types.CategoryPriority {
		for _, keyword := range c.lists[category] {
			if strings.Contains(folded, keyword) {
				return category
			}
		}
	}
	return types.CategoryNeutral
}

// Keywords returns a copy of the folded keyword list for a category.
func (c *Classifier) Keywords(category types.Category) []string {
	return append([]string(nil), c.lists[category]...)
}

// fold applies full Unicode case folding. A Caser is stateful, so one is
// created per call rather than shared.
func fold(s string) string {
	return cases.Fold().String(s)
}

func foldAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		out = append(out, fold(w))
	}
	return out
}
