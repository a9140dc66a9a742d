// Package retrieval implements the document ingestion and vector search
// pipeline: boundary-aware chunking, batched embedding, and cosine
// nearest-neighbor retrieval.
package retrieval

// Span is one contiguous slice of a source document produced by Split.
// Offsets are rune positions into the original text.
type Span struct {
	Text  string
	Start int
	End   int
}

// Split cuts text into spans of at most size characters, with consecutive
// spans sharing exactly overlap characters at their boundary: each span
// starts overlap characters before the previous span's end. Where a natural
// boundary (paragraph, then sentence) falls inside the window, the span ends
// there instead of at the hard character limit; otherwise it falls back to a
// plain character cut.
//
// Rules:
//   - Empty input returns nil.
//   - Text of at most size characters returns a single span.
//   - overlap must be < size; if not, it is clamped to size-1.
//   - Concatenating span texts with the leading overlap characters removed
//     from every span after the first reconstructs the input exactly.
func Split(text string, size, overlap int) []Span {
	runes := []rune(text)
	if len(runes) == 0 || size <= 0 {
		return nil
	}
	if overlap >= size {
		overlap = size - 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if len(runes) <= size {
		return []Span{{Text: text, Start: 0, End: len(runes)}}
	}

	var spans []Span
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			spans = append(spans, Span{Text: string(runes[start:]), Start: start, End: len(runes)})
			break
		}
		// Prefer a natural boundary, but never cut so early that the next
		// span would fail to advance past this one's start.
		if cut := boundaryCut(runes, start+overlap+1, end); cut > 0 {
			end = cut
		}
		spans = append(spans, Span{Text: string(runes[start:end]), Start: start, End: end})
		start = end - overlap
	}
	return spans
}

// boundaryCut returns the best cut position in (lo, hi], or 0 when the
// window contains no usable boundary. Paragraph breaks win over sentence
// ends.
func boundaryCut(runes []rune, lo, hi int) int {
	if lo < 1 {
		lo = 1
	}
	// paragraph: cut after a blank line
	for i := hi; i > lo; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	// sentence: cut after terminal punctuation followed by whitespace
	for i := hi - 1; i > lo; i-- {
		if isSentenceEnd(runes[i-1]) && isSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
