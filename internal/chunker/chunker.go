// Package chunker splits manuscript text into size-bounded, boundary-aware
// segments so per-call token budgets are respected. Reassembling chunk
// contents in ordinal order reproduces the original text byte-for-byte.
package chunker

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/inkwell-press/inkwell/internal/tokens"
	"github.com/inkwell-press/inkwell/internal/types"
)

// Strategy selects how a manuscript is segmented.
type Strategy string

// Chunking strategies.
const (
	// StrategyWhole emits one chunk regardless of size. Only valid when the
	// prompt template declares it can summarize arbitrarily large input.
	StrategyWhole Strategy = "whole"
	// StrategyChapter splits on detected chapter headings, falling back to
	// paragraph packing inside oversized chapters.
	StrategyChapter Strategy = "chapter"
	// StrategyParagraph packs paragraphs greedily up to the token limit.
	StrategyParagraph Strategy = "paragraph"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyWhole, StrategyChapter, StrategyParagraph:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown chunking strategy: %q", s)
}

// chapterHeading matches common chapter heading forms at the start of a line:
// "Chapter 7", "CHAPTER XII", "Prologue", "Epilogue", "Part 2".
var chapterHeading = regexp.MustCompile(`(?mi)^[ \t]*(chapter\s+(\d+|[ivxlcdm]+)|prologue|epilogue|part\s+(\d+|[ivxlcdm]+))\b`)

// paragraphBreak matches a blank-line separator between paragraphs.
var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n+`)

// sentenceEnd matches the gap after a sentence terminator.
var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]?\s+`)

// Split chunks text under the given per-chunk token budget.
func Split(text string, maxTokens int, strategy Strategy) ([]types.Chunk, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunker: max tokens must be positive, got %d", maxTokens)
	}
	if len(text) == 0 {
		return nil, nil
	}

	var chunks []types.Chunk
	switch strategy {
	case StrategyWhole:
		chunks = append(chunks, types.Chunk{
			Start:    0,
			End:      len(text),
			Tokens:   tokens.Count(text),
			Boundary: types.BoundaryParagraph,
		})
	case StrategyChapter:
		chunks = splitChapters(text, maxTokens)
	case StrategyParagraph:
		chunks = splitParagraphs(text, 0, len(text), maxTokens)
	default:
		return nil, fmt.Errorf("unknown chunking strategy: %q", strategy)
	}

	for i := range chunks {
		chunks[i].Ordinal = i
	}
	if err := verifyCoverage(chunks, len(text)); err != nil {
		return nil, err
	}
	return chunks, nil
}

// splitChapters cuts the text at chapter heading starts, then paragraph-packs
// any chapter that still exceeds the budget.
func splitChapters(text string, maxTokens int) []types.Chunk {
	headings := chapterHeading.FindAllStringIndex(text, -1)

	// Cut points are heading starts, excluding one at offset zero.
	cuts := []int{0}
	for _, h := range headings {
		if h[0] > 0 {
			cuts = append(cuts, h[0])
		}
	}
	cuts = append(cuts, len(text))

	var chunks []types.Chunk
	for i := 0; i+1 < len(cuts); i++ {
		start, end := cuts[i], cuts[i+1]
		if start == end {
			continue
		}
		segment := text[start:end]
		n := tokens.Count(segment)
		if n <= maxTokens {
			chunks = append(chunks, types.Chunk{Start: start, End: end, Tokens: n, Boundary: types.BoundaryChapter})
			continue
		}
		chunks = append(chunks, splitParagraphs(text, start, end, maxTokens)...)
	}
	return chunks
}

// splitParagraphs greedily packs the paragraphs of text[start:end] into chunks
// of at most maxTokens. A single paragraph over the limit is split at sentence
// boundaries, and as an absolute fallback hard-split by bytes.
func splitParagraphs(text string, start, end, maxTokens int) []types.Chunk {
	pieces := splitAfter(text[start:end], paragraphBreak)

	var chunks []types.Chunk
	packStart := start
	packTokens := 0
	offset := start
	flush := func(upTo int) {
		if upTo > packStart {
			chunks = append(chunks, types.Chunk{Start: packStart, End: upTo, Tokens: packTokens, Boundary: types.BoundaryParagraph})
		}
		packStart = upTo
		packTokens = 0
	}

	for _, p := range pieces {
		pStart := offset
		pEnd := offset + len(p)
		offset = pEnd

		n := tokens.Count(p)
		if n > maxTokens {
			// Oversized paragraph: close the current pack, then split the
			// paragraph on its own.
			flush(pStart)
			chunks = append(chunks, splitSentences(text, pStart, pEnd, maxTokens)...)
			packStart = pEnd
			continue
		}
		if packTokens > 0 && packTokens+n > maxTokens {
			flush(pStart)
		}
		packTokens += n
	}
	flush(end)
	return chunks
}

// splitSentences packs sentences of an oversized paragraph; a single sentence
// over the limit is hard-split by bytes and marked fallback.
func splitSentences(text string, start, end, maxTokens int) []types.Chunk {
	pieces := splitAfter(text[start:end], sentenceEnd)

	var chunks []types.Chunk
	packStart := start
	packTokens := 0
	offset := start
	flush := func(upTo int) {
		if upTo > packStart {
			chunks = append(chunks, types.Chunk{Start: packStart, End: upTo, Tokens: packTokens, Boundary: types.BoundaryParagraph})
		}
		packStart = upTo
		packTokens = 0
	}

	for _, s := range pieces {
		sStart := offset
		sEnd := offset + len(s)
		offset = sEnd

		n := tokens.Count(s)
		if n > maxTokens {
			flush(sStart)
			chunks = append(chunks, hardSplit(text, sStart, sEnd, maxTokens)...)
			packStart = sEnd
			continue
		}
		if packTokens > 0 && packTokens+n > maxTokens {
			flush(sStart)
		}
		packTokens += n
	}
	flush(end)
	return chunks
}

// hardSplit cuts text[start:end] into byte windows sized to roughly maxTokens,
// snapping cut points back to rune boundaries.
func hardSplit(text string, start, end, maxTokens int) []types.Chunk {
	// ~4 bytes per token for English prose.
	window := maxTokens * 4
	if window < 1 {
		window = 1
	}

	var chunks []types.Chunk
	for pos := start; pos < end; {
		next := pos + window
		if next >= end {
			next = end
		} else {
			for next > pos && !utf8.RuneStart(text[next]) {
				next--
			}
			if next == pos {
				next = pos + window // malformed input, cut anyway
			}
		}
		chunks = append(chunks, types.Chunk{
			Start:    pos,
			End:      next,
			Tokens:   tokens.Count(text[pos:next]),
			Boundary: types.BoundaryFallback,
		})
		pos = next
	}
	return chunks
}

// splitAfter slices s into pieces that each end immediately after a separator
// match, preserving every byte.
func splitAfter(s string, sep *regexp.Regexp) []string {
	locs := sep.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return []string{s}
	}
	var pieces []string
	prev := 0
	for _, loc := range locs {
		pieces = append(pieces, s[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(s) {
		pieces = append(pieces, s[prev:])
	}
	return pieces
}

// verifyCoverage checks that chunks partition [0,size) in order.
func verifyCoverage(chunks []types.Chunk, size int) error {
	pos := 0
	for _, c := range chunks {
		if c.Start != pos {
			return fmt.Errorf("chunker: gap at byte %d (chunk %d starts at %d)", pos, c.Ordinal, c.Start)
		}
		if c.End < c.Start {
			return fmt.Errorf("chunker: chunk %d has negative range", c.Ordinal)
		}
		pos = c.End
	}
	if pos != size {
		return fmt.Errorf("chunker: coverage ends at byte %d of %d", pos, size)
	}
	return nil
}
