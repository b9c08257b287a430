package ingestion

import (
	"fmt"
	"strings"
	"testing"
)

func Test_Chunker_TitleStartsNewChunk(t *testing.T) {
	t.Parallel()
	c := NewChunker(WithChunkTokens(512))

	long := strings.Repeat("This sentence pads the first section with enough text. ", 20)
	elements := []Element{
		{Kind: KindTitle, Text: "Section One"},
		{Kind: KindNarrative, Text: strings.TrimSpace(long)},
		{Kind: KindTitle, Text: "Section Two"},
		{Kind: KindNarrative, Text: strings.TrimSpace(long)},
	}

	pieces := c.Chunk(elements)
	if len(pieces) < 2 {
		t.Fatalf("want at least 2 chunks, got %d", len(pieces))
	}
	for _, p := range pieces {
		one := strings.Contains(p.Text, "Section One")
		two := strings.Contains(p.Text, "Section Two")
		if one && two {
			t.Errorf("chunk straddles two sections: %q", p.Text[:80])
		}
	}
}

func Test_Chunker_SplitsOversizeSectionWithOverlap(t *testing.T) {
	t.Parallel()
	c := NewChunker(WithChunkTokens(64), WithOverlapFraction(0.25))

	var sentences []string
	for i := 0; i < 40; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence number %d carries some words.", i))
	}
	elements := []Element{
		{Kind: KindNarrative, Text: strings.Join(sentences, " ")},
	}

	pieces := c.Chunk(elements)
	if len(pieces) < 3 {
		t.Fatalf("want multiple chunks, got %d", len(pieces))
	}
	for i, p := range pieces {
		if p.TokenCount > 64+16 {
			t.Errorf("chunk %d exceeds budget: %d tokens", i, p.TokenCount)
		}
	}
	// Consecutive chunks share trailing/leading sentences.
	for i := 1; i < len(pieces); i++ {
		prev := pieces[i-1].Text
		firstSentence := splitSentences(pieces[i].Text)[0]
		if !strings.Contains(prev, firstSentence) {
			t.Errorf("chunk %d does not overlap its predecessor (starts %q)", i, firstSentence)
		}
	}
}

func Test_Chunker_OversizeSentenceIsSplit(t *testing.T) {
	t.Parallel()
	c := NewChunker(WithChunkTokens(50))

	// No sentence-final punctuation anywhere: the whole element is one
	// sentence several times the chunk budget.
	sentence := strings.TrimSpace(strings.Repeat("an unbroken run of words ", 60))
	pieces := c.Chunk([]Element{{Kind: KindNarrative, Text: sentence}})

	if len(pieces) < 2 {
		t.Fatalf("oversize sentence not split: got %d chunk(s)", len(pieces))
	}
	var words int
	for i, p := range pieces {
		if p.TokenCount > 50 {
			t.Errorf("chunk %d exceeds budget: %d tokens", i, p.TokenCount)
		}
		words += len(strings.Fields(p.Text))
	}
	if want := len(strings.Fields(sentence)); words != want {
		t.Errorf("words dropped by splitting: got %d, want %d", words, want)
	}
}

func Test_Chunker_MergesSmallChunks(t *testing.T) {
	t.Parallel()
	c := NewChunker(WithChunkTokens(512))

	elements := []Element{
		{Kind: KindTitle, Text: "Tiny Heading"},
		{Kind: KindNarrative, Text: "One short line."},
		{Kind: KindTitle, Text: "Another Heading"},
		{Kind: KindNarrative, Text: "Another short line."},
	}

	pieces := c.Chunk(elements)
	if len(pieces) != 1 {
		t.Fatalf("tiny sections should merge into one chunk, got %d", len(pieces))
	}
	for _, fragment := range []string{"Tiny Heading", "One short line.", "Another Heading"} {
		if !strings.Contains(pieces[0].Text, fragment) {
			t.Errorf("merged chunk missing %q", fragment)
		}
	}
}

func Test_Chunker_Deterministic(t *testing.T) {
	t.Parallel()
	c := NewChunker(WithChunkTokens(64))

	elements := []Element{
		{Kind: KindTitle, Text: "Heading"},
		{Kind: KindNarrative, Text: strings.Repeat("A steady stream of words flows here. ", 30)},
	}

	first := c.Chunk(elements)
	second := c.Chunk(elements)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func Test_Chunker_EmptyInput(t *testing.T) {
	t.Parallel()
	c := NewChunker()
	if pieces := c.Chunk(nil); len(pieces) != 0 {
		t.Errorf("want no chunks for no elements, got %d", len(pieces))
	}
}
