// Package bayes implements a two-class Naive Bayes classifier on top of the lexical trie.
// Word frequencies are kept in the trie, conditional probabilities are Laplace-smoothed and
// memoized per observed frequency, so all words sharing a frequency share one log-probability.
package bayes

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/umputun/trie-spam/lib/trie"
)

// ErrEmptyClass returned when one of classes has no trained words, priors are undefined in this case
var ErrEmptyClass = errors.New("class has no trained words")

// Document is a group of tokens with certain class
type Document struct {
	Class  trie.Class
	Tokens []string
}

// NewDocument returns new Document
func NewDocument(class trie.Class, tokens ...string) Document {
	return Document{Class: class, Tokens: tokens}
}

// NewTextDocument returns new Document with tokens made by splitting text on whitespace
func NewTextDocument(class trie.Class, text string) Document {
	return Document{Class: class, Tokens: strings.Fields(text)}
}

// Scores holds log-scores for both classes
type Scores struct {
	Ham  float64
	Spam float64
}

// Label returns the winning class, ties go to ham
func (s Scores) Label() trie.Class {
	if s.Spam > s.Ham {
		return trie.Spam
	}
	return trie.Ham
}

// SpamProbability converts log-scores to the spam probability in percents
func (s Scores) SpamProbability() float64 {
	// subtract the max to keep exp in range
	m := math.Max(s.Ham, s.Spam)
	ham, spam := math.Exp(s.Ham-m), math.Exp(s.Spam-m)
	return spam / (ham + spam) * 100
}

// Classifier is a Naive Bayes classifier for ham and spam. Not thread-safe.
type Classifier struct {
	trie  *trie.Trie
	cache [2]map[int]float64
	stale bool
}

// NewClassifier makes an empty classifier
func NewClassifier() *Classifier {
	c := &Classifier{trie: trie.New()}
	c.resetCache()
	return c
}

// Train learns all documents and builds the probability cache
func (c *Classifier) Train(docs ...Document) error {
	if err := c.Learn(docs...); err != nil {
		return err
	}
	c.Rebuild()
	return nil
}

// Learn inserts every token of documents under the document's class.
// The probability cache is marked stale and rebuilt on the next Predict or Rebuild.
func (c *Classifier) Learn(docs ...Document) error {
	for _, doc := range docs {
		for _, token := range doc.Tokens {
			if err := c.trie.InsertOne(token, doc.Class); err != nil {
				return fmt.Errorf("can't learn %s token: %w", doc.Class, err)
			}
			c.stale = true
		}
	}
	return nil
}

// Unlearn removes a single occurrence of every token of documents from the document's class.
// Tokens never learned are ignored. Returns the number of occurrences actually removed.
func (c *Classifier) Unlearn(docs ...Document) (int, error) {
	removed := 0
	for _, doc := range docs {
		for _, token := range doc.Tokens {
			n, err := c.trie.RemoveOne(token, doc.Class)
			if err != nil {
				return removed, fmt.Errorf("can't unlearn %s token: %w", doc.Class, err)
			}
			removed += n
		}
	}
	if removed > 0 {
		c.stale = true
	}
	return removed, nil
}

// Rebuild recalculates the probability cache with a single walk over the trie.
// The zero frequency entry is always present, it is used for every unseen word.
func (c *Classifier) Rebuild() {
	c.resetCache()
	totals, card := c.trie.Totals(), c.trie.Cardinality()
	for _, class := range []trie.Class{trie.Ham, trie.Spam} {
		c.cache[class][0] = ConditionalLogProbability(0, totals[class], card)
	}
	c.trie.Walk(func(_ string, counts trie.Counts) bool {
		for _, class := range []trie.Class{trie.Ham, trie.Spam} {
			f := counts[class]
			if f <= 0 {
				continue
			}
			if _, ok := c.cache[class][f]; !ok {
				c.cache[class][f] = ConditionalLogProbability(f, totals[class], card)
			}
		}
		return true
	})
	c.stale = false
}

// Predict scores tokens for both classes. Each score is the log prior of the class plus the sum of
// cached log-probabilities of tokens. Both classes must have trained words.
func (c *Classifier) Predict(tokens ...string) (Scores, error) {
	totals := c.trie.Totals()
	if totals[trie.Ham] <= 0 || totals[trie.Spam] <= 0 {
		return Scores{}, fmt.Errorf("can't predict, ham: %d, spam: %d: %w", totals[trie.Ham], totals[trie.Spam], ErrEmptyClass)
	}
	if c.stale {
		c.Rebuild()
	}

	all := float64(totals[trie.Ham] + totals[trie.Spam])
	res := [2]float64{
		math.Log(float64(totals[trie.Ham]) / all),
		math.Log(float64(totals[trie.Spam]) / all),
	}
	for _, token := range tokens {
		for _, class := range []trie.Class{trie.Ham, trie.Spam} {
			res[class] += c.logProbability(token, class)
		}
	}
	return Scores{Ham: res[trie.Ham], Spam: res[trie.Spam]}, nil
}

// Baseline returns the cached log-probability of an unseen word for the class
func (c *Classifier) Baseline(class trie.Class) float64 {
	if c.stale {
		c.Rebuild()
	}
	return c.cache[class][0]
}

// CachedFrequencies returns the number of distinct frequencies cached for the class, zero included
func (c *Classifier) CachedFrequencies(class trie.Class) int {
	return len(c.cache[class])
}

// Trie returns the underlying trie, callers must not modify it directly
func (c *Classifier) Trie() *trie.Trie { return c.trie }

// Reset drops all learned data
func (c *Classifier) Reset() {
	c.trie.Reset()
	c.resetCache()
	c.stale = false
}

func (c *Classifier) logProbability(token string, class trie.Class) float64 {
	f := c.trie.Search(token, class)
	if p, ok := c.cache[class][f]; ok {
		return p
	}
	// frequency not seen at rebuild time, can happen only if the trie was changed behind our back.
	// not stored, concurrent readers share the cache
	return ConditionalLogProbability(f, c.trie.Total(class), c.trie.Cardinality())
}

func (c *Classifier) resetCache() {
	c.cache = [2]map[int]float64{make(map[int]float64), make(map[int]float64)}
}

// ConditionalLogProbability returns Laplace-smoothed log-likelihood of a word seen wordCount times
// in a class with totalCount words, cardinality is the number of distinct words in all classes.
func ConditionalLogProbability(wordCount, totalCount, cardinality int) float64 {
	return math.Log(float64(wordCount+1) / float64(totalCount+cardinality))
}
