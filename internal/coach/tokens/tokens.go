// Package tokens approximates how many model tokens a piece of text costs.
//
// The estimate is a character heuristic (about four characters per token),
// not a tokenizer. It is used for every budget decision and is recorded on
// each stored message, so it must stay stable across releases.
package tokens

import "unicode/utf8"

// charsPerToken is the divisor of the heuristic.
const charsPerToken = 4

// Estimate returns ceil(runes(text) / 4). Empty text costs zero.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Sum returns the total estimate of several texts. Each text is rounded up
// on its own, matching how messages are admitted one at a time.
func Sum(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
