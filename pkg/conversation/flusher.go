package conversation

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultFlushMinChars = 30
	defaultFlushMaxChars = 200
)

// sentenceBuffer accumulates streamed tokens and releases speakable
// segments: a sentence ending in strong punctuation once it is longer
// than minChars, or anything once it exceeds maxChars.
type sentenceBuffer struct {
	minChars int
	maxChars int
	buf      strings.Builder
}

func newSentenceBuffer(minChars, maxChars int) *sentenceBuffer {
	if minChars <= 0 {
		minChars = defaultFlushMinChars
	}
	if maxChars <= 0 {
		maxChars = defaultFlushMaxChars
	}
	return &sentenceBuffer{minChars: minChars, maxChars: maxChars}
}

// Add appends a token and returns the segment to speak, if any
func (b *sentenceBuffer) Add(token string) (string, bool) {
	b.buf.WriteString(token)
	text := b.buf.String()
	n := utf8.RuneCountInString(text)

	if n > b.maxChars || (n > b.minChars && endsSentence(text)) {
		b.buf.Reset()
		segment := strings.TrimSpace(text)
		return segment, segment != ""
	}
	return "", false
}

// Flush returns whatever is left
func (b *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return text
}

// Discard drops unflushed text
func (b *sentenceBuffer) Discard() {
	b.buf.Reset()
}

// endsSentence checks the raw buffer so a trailing newline counts
func endsSentence(text string) bool {
	if strings.HasSuffix(text, "\n") {
		return true
	}
	trimmed := strings.TrimRight(text, " \t")
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	switch r {
	case '.', '!', '?', '。':
		return true
	}
	return false
}

// splitSegments chunks complete text the same way streamed tokens are
// chunked, word by word.
func splitSegments(text string, minChars, maxChars int) []string {
	b := newSentenceBuffer(minChars, maxChars)
	var out []string
	words := strings.Fields(text)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if seg, ok := b.Add(w); ok {
			out = append(out, seg)
		}
	}
	if rest := b.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}
