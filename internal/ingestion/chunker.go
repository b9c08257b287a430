package ingestion

import (
	"strings"

	"github.com/mindbook/mindbook-go/internal/budget"
)

// DefaultChunkTokens is the default target token count per chunk.
const DefaultChunkTokens = 512

// DefaultOverlapFraction is the default fraction of a chunk's budget shared
// with its predecessor.
const DefaultOverlapFraction = 0.15

// Piece is one chunk of text produced by the chunker, in document order.
type Piece struct {
	// Text is the chunk content.
	Text string
	// TokenCount is the estimated token count of Text.
	TokenCount int
}

// Chunker splits extracted elements into token-bounded chunks. Titles start
// a new chunk so retrieval never returns a span straddling two sections, and
// undersized chunks are merged with a neighbour to avoid low-signal
// fragments.
type Chunker struct {
	targetTokens    int
	overlapFraction float64
	combineUnder    int
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkTokens sets the target token count per chunk.
func WithChunkTokens(tokens int) ChunkerOption {
	return func(c *Chunker) {
		if tokens > 0 {
			c.targetTokens = tokens
		}
	}
}

// WithOverlapFraction sets the fraction of the chunk budget carried over
// from the end of one chunk into the start of the next when a section is
// split. Values outside [0, 0.5] are clamped.
func WithOverlapFraction(f float64) ChunkerOption {
	return func(c *Chunker) {
		if f < 0 {
			f = 0
		}
		if f > 0.5 {
			f = 0.5
		}
		c.overlapFraction = f
	}
}

// NewChunker creates a Chunker with the given options.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		targetTokens:    DefaultChunkTokens,
		overlapFraction: DefaultOverlapFraction,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Chunks below an eighth of the budget carry too little context on
	// their own; they get merged with a neighbour.
	c.combineUnder = c.targetTokens / 8
	return c
}

// Chunk splits the elements into ordered pieces. The same element sequence
// always yields the same pieces.
func (c *Chunker) Chunk(elements []Element) []Piece {
	var pieces []Piece
	for _, section := range splitSections(elements) {
		pieces = append(pieces, c.chunkSection(section)...)
	}
	return c.mergeSmall(pieces)
}

// splitSections groups elements into title-delimited sections. Each title
// begins a new section with the title as its first element.
func splitSections(elements []Element) [][]Element {
	var sections [][]Element
	var current []Element
	for _, e := range elements {
		if e.Kind == KindTitle && len(current) > 0 {
			sections = append(sections, current)
			current = nil
		}
		current = append(current, e)
	}
	if len(current) > 0 {
		sections = append(sections, current)
	}
	return sections
}

// chunkSection windows one section's sentences into token-bounded pieces,
// stepping back by the overlap budget between consecutive windows.
func (c *Chunker) chunkSection(section []Element) []Piece {
	var sentences []string
	for _, e := range section {
		if e.Kind == KindTitle {
			// A title is an atomic unit; never split it mid-heading.
			sentences = append(sentences, e.Text)
			continue
		}
		for _, s := range splitSentences(e.Text) {
			// A lone sentence larger than the window is the one case where
			// the chunk bound wins over sentence boundaries.
			sentences = append(sentences, splitOversize(s, c.targetTokens)...)
		}
	}
	if len(sentences) == 0 {
		return nil
	}

	overlapTokens := int(float64(c.targetTokens) * c.overlapFraction)

	var pieces []Piece
	i := 0
	for i < len(sentences) {
		j := i
		tokens := 0
		for j < len(sentences) {
			t := budget.Estimate(sentences[j])
			if tokens > 0 && tokens+t > c.targetTokens {
				break
			}
			tokens += t
			j++
		}

		text := strings.Join(sentences[i:j], " ")
		pieces = append(pieces, Piece{Text: text, TokenCount: budget.Estimate(text)})
		if j >= len(sentences) {
			break
		}

		// Step back far enough to reuse roughly overlapTokens of trailing
		// sentences, but always make forward progress.
		back := j
		carried := 0
		for back > i+1 && carried < overlapTokens {
			t := budget.Estimate(sentences[back-1])
			if carried+t > overlapTokens {
				break
			}
			carried += t
			back--
		}
		if back <= i {
			back = i + 1
		}
		i = back
	}
	return pieces
}

// mergeSmall folds undersized pieces into a neighbouring piece when the
// combined size stays within the chunk budget. Forward merges are preferred
// so a title fragment joins the section body that follows it.
func (c *Chunker) mergeSmall(pieces []Piece) []Piece {
	out := make([]Piece, 0, len(pieces))
	for i := 0; i < len(pieces); i++ {
		p := pieces[i]
		if p.TokenCount >= c.combineUnder {
			out = append(out, p)
			continue
		}
		if i+1 < len(pieces) && p.TokenCount+pieces[i+1].TokenCount <= c.targetTokens {
			pieces[i+1].Text = p.Text + "\n" + pieces[i+1].Text
			pieces[i+1].TokenCount = budget.Estimate(pieces[i+1].Text)
			continue
		}
		if len(out) > 0 && out[len(out)-1].TokenCount+p.TokenCount <= c.targetTokens {
			last := &out[len(out)-1]
			last.Text = last.Text + "\n" + p.Text
			last.TokenCount = budget.Estimate(last.Text)
			continue
		}
		out = append(out, p)
	}
	return out
}

// splitOversize breaks a sentence whose estimate exceeds maxTokens into
// word-boundary pieces that each fit the window. Sentences within the budget
// come back unchanged.
func splitOversize(sentence string, maxTokens int) []string {
	if budget.Estimate(sentence) <= maxTokens {
		return []string{sentence}
	}
	var out []string
	var cur string
	for _, word := range strings.Fields(sentence) {
		candidate := word
		if cur != "" {
			candidate = cur + " " + word
		}
		if cur != "" && budget.Estimate(candidate) > maxTokens {
			out = append(out, cur)
			cur = word
			continue
		}
		cur = candidate
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// splitSentences breaks a paragraph at sentence-final punctuation followed
// by whitespace. Text without such boundaries comes back as one sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' {
				s := strings.TrimSpace(text[start : i+1])
				if s != "" {
					sentences = append(sentences, s)
				}
				start = i + 2
			}
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
