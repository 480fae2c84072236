// Package textsim holds the text primitives the agents share: normalization,
// content hashing, bigram similarity and key-term extraction.
package textsim

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// Normalize lowercases s and collapses every whitespace run to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ContentHash returns the hex SHA-256 of the normalized content. Texts that
// differ only in case or whitespace hash the same.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// Prefix returns at most n runes of s.
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Dice returns the Sørensen–Dice coefficient over character bigrams of a and
// b with whitespace removed. Identical strings score 1, disjoint ones 0.
func Dice(a, b string) float64 {
	a = stripSpace(a)
	b = stripSpace(b)
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}

	counts := make(map[[2]rune]int, len(ra)-1)
	for i := 0; i < len(ra)-1; i++ {
		counts[[2]rune{ra[i], ra[i+1]}]++
	}

	shared := 0
	for i := 0; i < len(rb)-1; i++ {
		bg := [2]rune{rb[i], rb[i+1]}
		if counts[bg] > 0 {
			counts[bg]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ra)-1+len(rb)-1)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again all also am an and any are as at be
		because been before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers him his how i if in into is it
		its itself just me more most my no nor not of off on once only or other our ours out over own
		same she should so some such than that the their theirs them then there these they this those
		through to too under until up very was we were what when where which while who whom why will
		with would you your yours`) {
		stopWords[w] = struct{}{}
	}
}

// IsStopWord reports whether w is a common English function word.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Tokens splits text into lowercase words of letters and digits.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// KeyTerms returns up to n of the most frequent non-stopword tokens of at
// least three characters. Ties break alphabetically.
func KeyTerms(text string, n int) []string {
	freq := make(map[string]int)
	for _, tok := range Tokens(text) {
		if len([]rune(tok)) < 3 || IsStopWord(tok) || isNumber(tok) {
			continue
		}
		freq[tok]++
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if n > 0 && len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func isNumber(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Overlap returns |a ∩ b| / min(|a|, |b|), 0 when either set is empty.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(b))
	shared := 0
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			shared++
		}
	}
	smaller := len(set)
	if len(seen) < smaller {
		smaller = len(seen)
	}
	return float64(shared) / float64(smaller)
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
