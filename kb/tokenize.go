package kb

import (
	"strings"
	"unicode"
)

// Tokenize splits text into lowercase tokens for BM25 indexing and query
// matching. Latin-script runs are split on whitespace/punctuation as usual;
// CJK runs (which carry no inter-word spaces) are segmented one rune at a
// time, which is the same fallback llama_index's jieba-backed tokenizer
// degrades to for out-of-dictionary spans, and is the closest approximation
// reachable without a CJK segmentation library.
//
// No such library is available anywhere in the surrounding dependency
// stack (checked against every module the corpus otherwise draws on), so
// this segmenter is intentionally hand-written rather than reaching for a
// wrapped C/C++ dictionary; see DESIGN.md.
func Tokenize(text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	var tokens []string
	var run []rune
	flushLatin := func() {
		if len(run) > 0 {
			tokens = append(tokens, string(run))
			run = run[:0]
		}
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			flushLatin()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			run = append(run, r)
		default:
			flushLatin()
		}
	}
	flushLatin()
	return tokens
}

// isCJK reports whether r falls in a CJK Unified Ideographs, Hiragana,
// Katakana, or Hangul range.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	default:
		return false
	}
}
