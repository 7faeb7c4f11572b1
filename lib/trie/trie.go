// Package trie implements a lexical prefix tree over lowercase latin words with two per-class
// occurrence counters on every node. It is the frequency store behind the Naive Bayes classifier.
//
// Nodes live in an arena and are addressed by index. Slot 0 is the root, the root is never a child
// of anything, so a zero child slot means "no child". Reclaimed slots go to a freelist and are
// reused by later insertions.
//
// Trie is not thread-safe, callers serialize writers against readers.
package trie

import (
	"errors"
	"fmt"
)

// Class is a document class, ham or spam.
type Class int

// enum of supported classes
const (
	Ham  Class = 0
	Spam Class = 1
)

const alphabet = 26

// errors returned for invalid input
var (
	ErrInvalidWord  = errors.New("invalid word")
	ErrInvalidCount = errors.New("invalid count")
	ErrInvalidClass = errors.New("invalid class")
)

// String implements Stringer interface
func (c Class) String() string {
	switch c {
	case Ham:
		return "ham"
	case Spam:
		return "spam"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Validate checks if the class is one of supported classes
func (c Class) Validate() error {
	if c != Ham && c != Spam {
		return fmt.Errorf("%w: %d", ErrInvalidClass, int(c))
	}
	return nil
}

// ParseClass converts "ham" or "spam" to Class
func ParseClass(s string) (Class, error) {
	switch s {
	case "ham":
		return Ham, nil
	case "spam":
		return Spam, nil
	}
	return Ham, fmt.Errorf("%w: %q", ErrInvalidClass, s)
}

// Counts holds per-class occurrence counters, indexed by Class
type Counts [2]int

// Empty returns true if the word is not present in any class
func (c Counts) Empty() bool { return c[Ham] <= 0 && c[Spam] <= 0 }

type node struct {
	children   [alphabet]int32
	counts     Counts
	childCount int
}

// Trie is a 26-ary prefix tree with dual-class counters.
type Trie struct {
	nodes       []node
	free        []int32
	totals      Counts
	cardinality int
}

// New makes an empty Trie with the root node allocated
func New() *Trie {
	return &Trie{nodes: make([]node, 1)}
}

// Insert adds count occurrences of word under the class.
// The word is validated before any node is created, so a rejected word leaves the trie untouched.
func (t *Trie) Insert(word string, count int, class Class) error {
	if err := validate(word, class); err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	cur := int32(0)
	for i := 0; i < len(word); i++ {
		ch := word[i] - 'a'
		next := t.nodes[cur].children[ch]
		if next == 0 {
			next = t.alloc()
			t.nodes[cur].children[ch] = next
			t.nodes[cur].childCount++
		}
		cur = next
	}

	n := &t.nodes[cur]
	if n.counts.Empty() {
		t.cardinality++
	}
	n.counts[class] += count
	t.totals[class] += count
	return nil
}

// InsertOne adds a single occurrence of word under the class
func (t *Trie) InsertOne(word string, class Class) error {
	return t.Insert(word, 1, class)
}

// Search returns the number of occurrences of word under the class.
// Words never inserted, prefixes of other words and invalid words all return 0.
func (t *Trie) Search(word string, class Class) int {
	if class.Validate() != nil {
		return 0
	}
	idx, ok := t.find(word)
	if !ok {
		return 0
	}
	return t.nodes[idx].counts[class]
}

// Counts returns counters of the word for both classes
func (t *Trie) Counts(word string) Counts {
	idx, ok := t.find(word)
	if !ok {
		return Counts{}
	}
	return t.nodes[idx].counts
}

// Remove takes away up to count occurrences of word from the class and returns the number
// of occurrences actually removed. The counter never goes below zero.
// If the word is gone from both classes and has no descendants, the dangling suffix is reclaimed.
func (t *Trie) Remove(word string, count int, class Class) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	return t.remove(word, count, class)
}

// RemoveOne takes away a single occurrence of word from the class
func (t *Trie) RemoveOne(word string, class Class) (int, error) {
	return t.remove(word, 1, class)
}

// RemoveAll takes away every occurrence of word from the class
func (t *Trie) RemoveAll(word string, class Class) (int, error) {
	return t.remove(word, -1, class)
}

// remove implements Remove, negative count means "all occurrences"
func (t *Trie) remove(word string, count int, class Class) (int, error) {
	if err := validate(word, class); err != nil {
		return 0, err
	}

	// the boundary is the deepest ancestor which must survive pruning: the root, a branch point
	// or a word on its own. it has to be found on the way down, before counters change.
	boundary, boundaryDepth := int32(0), 0
	cur := int32(0)
	for i := 0; i < len(word); i++ {
		n := &t.nodes[cur]
		if cur == 0 || n.childCount > 1 || !n.counts.Empty() {
			boundary, boundaryDepth = cur, i
		}
		next := n.children[word[i]-'a']
		if next == 0 {
			return 0, nil
		}
		cur = next
	}

	n := &t.nodes[cur]
	if n.counts[class] <= 0 {
		return 0, nil
	}
	removed := n.counts[class]
	if count >= 0 && count < removed {
		removed = count
	}
	n.counts[class] -= removed
	t.totals[class] -= removed

	if !n.counts.Empty() {
		return removed, nil
	}
	t.cardinality--
	if n.childCount == 0 {
		t.prune(word, boundary, boundaryDepth)
	}
	return removed, nil
}

// prune frees the chain of nodes from the boundary's child down to the end of word.
// every node on that chain has a single child and no counts, so it is exactly the path of the word.
func (t *Trie) prune(word string, boundary int32, depth int) {
	b := &t.nodes[boundary]
	ch := word[depth] - 'a'
	cur := b.children[ch]
	b.children[ch] = 0
	b.childCount--

	for i := depth + 1; i < len(word); i++ {
		next := t.nodes[cur].children[word[i]-'a']
		t.release(cur)
		cur = next
	}
	t.release(cur)
}

// Walk visits every live node depth-first, children in a-z order, and calls fn with the word
// spelled by the path to the node and its counters. Returning false from fn stops the walk.
func (t *Trie) Walk(fn func(word string, counts Counts) bool) {
	buf := make([]byte, 0, 32)
	var walk func(idx int32) bool
	walk = func(idx int32) bool {
		n := &t.nodes[idx]
		if !fn(string(buf), n.counts) {
			return false
		}
		if n.childCount == 0 {
			return true
		}
		for ch, child := range n.children {
			if child == 0 {
				continue
			}
			buf = append(buf, byte('a'+ch))
			ok := walk(child)
			buf = buf[:len(buf)-1]
			if !ok {
				return false
			}
		}
		return true
	}
	walk(0)
}

// Reset drops all nodes and counters, the trie is empty and usable after the call
func (t *Trie) Reset() {
	t.nodes = make([]node, 1)
	t.free = nil
	t.totals = Counts{}
	t.cardinality = 0
}

// Total returns the sum of occurrences of all words in the class
func (t *Trie) Total(class Class) int {
	if class.Validate() != nil {
		return 0
	}
	return t.totals[class]
}

// Totals returns sums of occurrences for both classes
func (t *Trie) Totals() Counts { return t.totals }

// Cardinality returns the number of distinct words present in at least one class
func (t *Trie) Cardinality() int { return t.cardinality }

// Nodes returns the number of live nodes, including the root
func (t *Trie) Nodes() int { return len(t.nodes) - len(t.free) }

func (t *Trie) find(word string) (int32, bool) {
	if word == "" {
		return 0, false
	}
	cur := int32(0)
	for i := 0; i < len(word); i++ {
		c := word[i]
		if c < 'a' || c > 'z' {
			return 0, false
		}
		cur = t.nodes[cur].children[c-'a']
		if cur == 0 {
			return 0, false
		}
	}
	return cur, true
}

func (t *Trie) alloc() int32 {
	if l := len(t.free); l > 0 {
		idx := t.free[l-1]
		t.free = t.free[:l-1]
		return idx
	}
	t.nodes = append(t.nodes, node{})
	return int32(len(t.nodes) - 1)
}

func (t *Trie) release(idx int32) {
	t.nodes[idx] = node{}
	t.free = append(t.free, idx)
}

func validate(word string, class Class) error {
	if err := class.Validate(); err != nil {
		return err
	}
	if word == "" {
		return fmt.Errorf("%w: empty", ErrInvalidWord)
	}
	for i := 0; i < len(word); i++ {
		if c := word[i]; c < 'a' || c > 'z' {
			return fmt.Errorf("%w: %q has %q at %d", ErrInvalidWord, word, c, i)
		}
	}
	return nil
}
