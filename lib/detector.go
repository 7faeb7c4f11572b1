package lib

import (
	"cmp"
	"fmt"
	"io"
	"iter"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/umputun/trie-spam/lib/bayes"
	"github.com/umputun/trie-spam/lib/trie"
)

// Detector is a spam detector, thread-safe.
type Detector struct {
	Config
	classifier     *bayes.Classifier
	excludedTokens map[string]struct{}
	numberToken    string

	lock sync.RWMutex
}

// Config is a set of parameters for Detector.
type Config struct {
	MinWordLen  int    // minimal length of a token, shorter tokens are dropped
	NumberToken string // replacement for runs of digits, DefaultNumberToken if empty
	KeepAccents bool   // don't fold accented letters to ascii
}

// Sample is a labeled message used for training
type Sample struct {
	Text  string
	Class trie.Class
}

// LoadResult is a result of loading samples.
type LoadResult struct {
	HamSamples  int // number of ham samples
	SpamSamples int // number of spam samples
	HamWords    int // number of ham words learned
	SpamWords   int // number of spam words learned
	Distinct    int // number of distinct words
}

// CheckResult is a result of spam check.
type CheckResult struct {
	Spam        bool    `json:"spam"`        // true if spam score is strictly greater than ham score
	HamScore    float64 `json:"ham_score"`   // log-score of ham class
	SpamScore   float64 `json:"spam_score"`  // log-score of spam class
	Probability float64 `json:"probability"` // spam probability, in percents
	Tokens      int     `json:"tokens"`      // number of tokens in the message
	Known       int     `json:"known"`       // number of tokens seen in training
}

// Stats is a summary of the trained model
type Stats struct {
	HamWords     int     `json:"ham_words"`
	SpamWords    int     `json:"spam_words"`
	Distinct     int     `json:"distinct"`
	Nodes        int     `json:"nodes"`
	Ready        bool    `json:"ready"`         // both classes have words, baselines are defined
	HamBaseline  float64 `json:"ham_baseline"`  // log-probability of an unseen word in ham
	SpamBaseline float64 `json:"spam_baseline"` // log-probability of an unseen word in spam
}

// WordCount is a word with its frequency in a class
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// String implements Stringer interface
func (lr LoadResult) String() string {
	return fmt.Sprintf("ham samples: %d, spam samples: %d, ham words: %d, spam words: %d, distinct: %d",
		lr.HamSamples, lr.SpamSamples, lr.HamWords, lr.SpamWords, lr.Distinct)
}

// NewDetector makes a new Detector with the given config.
func NewDetector(p Config) *Detector {
	res := &Detector{
		Config:         p,
		classifier:     bayes.NewClassifier(),
		excludedTokens: map[string]struct{}{},
		numberToken:    DefaultNumberToken,
	}
	if p.NumberToken != "" {
		res.numberToken = cleanNumberToken(p.NumberToken)
	}
	return res
}

// Load resets the model and learns all samples. The probability cache is built once, after the last sample.
func (d *Detector) Load(samples iter.Seq[Sample]) (LoadResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.classifier.Reset()
	lr := LoadResult{}
	for s := range samples {
		err := s.Class.Validate()
		if err == nil {
			err = d.classifier.Learn(bayes.NewDocument(s.Class, d.tokenize(s.Text)...))
		}
		if err != nil {
			d.classifier.Reset() // don't leave a half-trained model behind
			return LoadResult{}, fmt.Errorf("can't load sample %q: %w", s.Text, err)
		}
		if s.Class == trie.Spam {
			lr.SpamSamples++
		} else {
			lr.HamSamples++
		}
	}
	d.classifier.Rebuild()

	tr := d.classifier.Trie()
	lr.HamWords, lr.SpamWords, lr.Distinct = tr.Total(trie.Ham), tr.Total(trie.Spam), tr.Cardinality()
	log.Printf("[DEBUG] loaded samples, %s", lr)
	return lr, nil
}

// LoadExcludedTokens loads tokens dropped by the tokenizer. Reset excluded tokens before loading.
// Doesn't change the trained model, call Load to retrain with the new list.
func (d *Detector) LoadExcludedTokens(readers ...io.Reader) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.excludedTokens = map[string]struct{}{}
	for t := range readerIterator(readers...) {
		if !d.KeepAccents {
			t = foldAccents(t)
		}
		d.excludedTokens[strings.ToLower(t)] = struct{}{}
	}
	return len(d.excludedTokens)
}

// Check scores a message for both classes
func (d *Detector) Check(msg string) (CheckResult, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	tokens := d.tokenize(msg)
	scores, err := d.classifier.Predict(tokens...)
	if err != nil {
		return CheckResult{}, fmt.Errorf("can't check message: %w", err)
	}

	known := 0
	tr := d.classifier.Trie()
	for _, token := range tokens {
		if !tr.Counts(token).Empty() {
			known++
		}
	}

	return CheckResult{
		Spam:        scores.Label() == trie.Spam,
		HamScore:    scores.Ham,
		SpamScore:   scores.Spam,
		Probability: scores.SpamProbability(),
		Tokens:      len(tokens),
		Known:       known,
	}, nil
}

// UpdateSpam learns a spam message
func (d *Detector) UpdateSpam(msg string) error { return d.update(msg, trie.Spam) }

// UpdateHam learns a ham message
func (d *Detector) UpdateHam(msg string) error { return d.update(msg, trie.Ham) }

// RemoveSpam unlearns a spam message, returns the number of word occurrences removed
func (d *Detector) RemoveSpam(msg string) (int, error) { return d.remove(msg, trie.Spam) }

// RemoveHam unlearns a ham message, returns the number of word occurrences removed
func (d *Detector) RemoveHam(msg string) (int, error) { return d.remove(msg, trie.Ham) }

// Stats returns a summary of the trained model
func (d *Detector) Stats() Stats {
	d.lock.RLock()
	defer d.lock.RUnlock()

	tr := d.classifier.Trie()
	res := Stats{
		HamWords:  tr.Total(trie.Ham),
		SpamWords: tr.Total(trie.Spam),
		Distinct:  tr.Cardinality(),
		Nodes:     tr.Nodes(),
	}
	res.Ready = res.HamWords > 0 && res.SpamWords > 0
	if res.Ready {
		res.HamBaseline = d.classifier.Baseline(trie.Ham)
		res.SpamBaseline = d.classifier.Baseline(trie.Spam)
	}
	return res
}

// TopWords returns up to n most frequent words of the class, ordered by count and word
func (d *Detector) TopWords(class trie.Class, n int) []WordCount {
	d.lock.RLock()
	defer d.lock.RUnlock()

	res := []WordCount{}
	if class.Validate() != nil || n <= 0 {
		return res
	}
	d.classifier.Trie().Walk(func(word string, counts trie.Counts) bool {
		if counts[class] > 0 {
			res = append(res, WordCount{Word: word, Count: counts[class]})
		}
		return true
	})
	slices.SortFunc(res, func(a, b WordCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Word, b.Word)
	})
	if len(res) > n {
		res = res[:n]
	}
	return res
}

// Reset drops the trained model and excluded tokens
func (d *Detector) Reset() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.classifier.Reset()
	d.excludedTokens = map[string]struct{}{}
}

func (d *Detector) update(msg string, class trie.Class) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if err := d.classifier.Learn(bayes.NewDocument(class, d.tokenize(msg)...)); err != nil {
		return fmt.Errorf("can't update %s: %w", class, err)
	}
	d.classifier.Rebuild()
	return nil
}

func (d *Detector) remove(msg string, class trie.Class) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	n, err := d.classifier.Unlearn(bayes.NewDocument(class, d.tokenize(msg)...))
	if err != nil {
		return n, fmt.Errorf("can't remove %s: %w", class, err)
	}
	d.classifier.Rebuild()
	return n, nil
}
