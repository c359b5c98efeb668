package pipeline

import (
	"strings"
	"unicode"
)

// defaultMaxWords bounds how long a clause may grow before it is handed to
// synthesis even without a sentence boundary.
const defaultMaxWords = 12

// sentenceChunker slices a streamed LLM reply into speakable pieces so
// synthesis can start before generation finishes. A piece ends at a
// sentence boundary (. ! ? or newline) or once it grows past maxWords.
type sentenceChunker struct {
	maxWords int
	buf      strings.Builder
}

func newSentenceChunker(maxWords int) *sentenceChunker {
	if maxWords <= 0 {
		maxWords = defaultMaxWords
	}
	return &sentenceChunker{maxWords: maxWords}
}

// Feed appends one delta and returns the pieces completed by it, in order.
func (c *sentenceChunker) Feed(delta string) []string {
	c.buf.WriteString(delta)
	var out []string
	for {
		piece, rest, ok := splitSentence(c.buf.String(), c.maxWords)
		if !ok {
			break
		}
		c.buf.Reset()
		c.buf.WriteString(rest)
		if piece = strings.TrimSpace(piece); speakable(piece) {
			out = append(out, piece)
		}
	}
	return out
}

// Flush returns whatever remains buffered, trimmed, and empties the chunker.
func (c *sentenceChunker) Flush() string {
	piece := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if !speakable(piece) {
		return ""
	}
	return piece
}

// speakable filters out pieces of bare punctuation that would waste a
// synthesis round trip.
func speakable(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsNumber(r)
	})
}

// splitSentence finds the first complete piece in s. It reports ok=false
// when s holds no boundary and fewer than maxWords words.
func splitSentence(s string, maxWords int) (piece, rest string, ok bool) {
	words := 0
	inWord := false
	for i, r := range s {
		switch r {
		case '.', '!', '?', '\n':
			return s[:i+1], s[i+1:], true
		case ' ', '\t':
			inWord = false
		default:
			if !inWord {
				inWord = true
				words++
				if words > maxWords {
					// Break before the word that overflows.
					return s[:i], s[i:], true
				}
			}
		}
	}
	return "", s, false
}
