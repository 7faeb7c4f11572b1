// Package lib provides spam detection with a Naive Bayes classifier backed by a lexical trie.
// The primary type in this package is the Detector, which is used to classify messages as ham or
// spam. It is initialized with parameters defined in the Config struct.
//
// The Detector is thread-safe: checks run concurrently under a read lock, every change of the
// model (load, learn, unlearn, reset) takes the write lock and rebuilds the probability cache
// before releasing it.
//
// Before using a Detector, it has to be trained with Detector.Load. It accepts an iterator of
// labeled samples (text and class), resets the model and learns all samples. Both classes must have
// at least one word after tokenization, otherwise Check returns bayes.ErrEmptyClass.
//
// Optionally, Detector.LoadExcludedTokens loads tokens which are dropped by the tokenizer, usually
// too common to aid in spam detection. The reader can have one token per line or a comma-separated
// list of tokens enclosed in double quotes. Both formats can be mixed within the same reader:
//
//	"the"
//	"and", "for", "with"
//	this
//
// Config provides tokenizer options:
//
//   - Config.MinWordLen drops tokens shorter than this, zero keeps all tokens.
//
//   - Config.NumberToken replaces every run of digits, "thisisanumber" by default. Only latin
//     letters of the value are used, empty value after cleanup drops digits completely.
//
//   - Config.KeepAccents disables folding of accented latin letters to plain ascii.
//
// Other important methods are Detector.UpdateSpam and Detector.UpdateHam, which learn a message on the
// fly, and Detector.RemoveSpam and Detector.RemoveHam, which unlearn a message previously learned.
package lib
