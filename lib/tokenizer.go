package lib

import (
	"bufio"
	"io"
	"iter"
	"log"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultNumberToken replaces runs of digits in messages
const DefaultNumberToken = "thisisanumber"

// tokenize splits a message into trie-compatible words, each word made of a-z only.
// Emoji are removed, accented letters folded to ascii, text lowercased and runs of digits
// replaced by the number token in place. Any other character separates words.
func (d *Detector) tokenize(msg string) []string {
	msg = gomoji.RemoveEmojis(msg)
	if !d.KeepAccents {
		msg = foldAccents(msg)
	}
	msg = strings.ToLower(msg)

	res := []string{}
	var word strings.Builder
	flush := func() {
		if word.Len() == 0 {
			return
		}
		token := word.String()
		word.Reset()
		if len(token) < d.MinWordLen {
			return
		}
		if _, ok := d.excludedTokens[token]; ok {
			return
		}
		res = append(res, token)
	}

	inNumber := false
	for _, r := range msg {
		switch {
		case r >= 'a' && r <= 'z':
			word.WriteRune(r)
			inNumber = false
		case r >= '0' && r <= '9':
			if !inNumber {
				word.WriteString(d.numberToken)
			}
			inNumber = true
		default:
			flush()
			inNumber = false
		}
	}
	flush()
	return res
}

// foldAccents decomposes letters and drops combining marks, i.e. "café" becomes "cafe"
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	res, _, err := transform.String(t, s)
	if err != nil {
		log.Printf("[WARN] can't fold accents in %q, %v", s, err)
		return s
	}
	return res
}

// cleanNumberToken keeps latin letters only, the number token goes to the trie as a part of words
func cleanNumberToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// readerIterator parses readers and returns an iterator of tokens. Each line can be a single token
// or a comma-separated list of tokens in double quotes.
func readerIterator(readers ...io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, reader := range readers {
			scanner := bufio.NewScanner(reader)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.Contains(line, ",") && strings.HasPrefix(line, "\"") {
					// line with a list of tokens
					for _, token := range strings.Split(line, ",") {
						cleanToken := strings.Trim(token, " \"\n\r\t")
						if cleanToken != "" && !yield(cleanToken) {
							return
						}
					}
					continue
				}
				// each line with a single token
				cleanToken := strings.Trim(line, " \"\n\r\t")
				if cleanToken != "" && !yield(cleanToken) {
					return
				}
			}
			if err := scanner.Err(); err != nil {
				log.Printf("[WARN] failed to read tokens, error=%v", err)
			}
		}
	}
}
