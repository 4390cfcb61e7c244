// Package chunker splits scraped text into deterministic, line-respecting
// chunks addressed by byte offsets into the original string.
package chunker

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/getcaravan/caravan/tokenizer"
)

// OffloadThresholdBytes is the text size above which chunking is pushed off
// the caller's goroutine.
const OffloadThresholdBytes = 100 << 10

// Options controls how text is chunked.
type Options struct {
	// SoftLimitTokens closes a chunk at the first line boundary at or past
	// this many tokens. Soft: a chunk can exceed the limit when a single
	// line does.
	SoftLimitTokens int

	// OverlapRatio makes consecutive chunks share context by replaying
	// trailing lines of the previous chunk worth at least this fraction of
	// its tokens. Zero means chunks tile the text exactly.
	OverlapRatio float64

	// MaxChunks stops chunking after this many chunks; 0 means no cap.
	MaxChunks int
}

func (o Options) validate() error {
	if o.SoftLimitTokens < 1 {
		return fmt.Errorf("soft limit must be at least 1 token, got %d", o.SoftLimitTokens)
	}
	if o.OverlapRatio < 0 || o.OverlapRatio >= 1 {
		return fmt.Errorf("overlap ratio must be in [0, 1), got %v", o.OverlapRatio)
	}
	if o.MaxChunks < 0 {
		return fmt.Errorf("max chunks must not be negative, got %d", o.MaxChunks)
	}
	return nil
}

// Span is a half-open byte range into the original text.
type Span struct {
	Start int
	End   int
}

// Key renders the span as the canonical "start:end" chunk key.
func (s Span) Key() string {
	return strconv.Itoa(s.Start) + ":" + strconv.Itoa(s.End)
}

// Map is an ordered chunk mapping. Keys are span keys; values are the exact
// substrings of the original text, so any chunk can be reconstructed later
// from its key alone.
type Map struct {
	text  string
	spans []Span
	index map[string]int
}

// Len returns the number of chunks.
func (m *Map) Len() int {
	return len(m.spans)
}

// Keys returns the chunk keys in chunk order.
func (m *Map) Keys() []string {
	keys := make([]string, len(m.spans))
	for i, span := range m.spans {
		keys[i] = span.Key()
	}
	return keys
}

// Spans returns the chunk spans in chunk order.
func (m *Map) Spans() []Span {
	return m.spans
}

// Get returns the chunk content for a key.
func (m *Map) Get(key string) (string, bool) {
	i, ok := m.index[key]
	if !ok {
		return "", false
	}
	span := m.spans[i]
	return m.text[span.Start:span.End], true
}

// Text returns the substring covered by a span of this map's text.
func (m *Map) Text(span Span) string {
	return m.text[span.Start:span.End]
}

type line struct {
	start  int
	end    int
	tokens int
}

func splitLines(text string, counter tokenizer.Counter) []line {
	var lines []line
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, line{start: start, end: i + 1, tokens: counter.Count(text[start : i+1])})
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, line{start: start, end: len(text), tokens: counter.Count(text[start:])})
	}
	return lines
}

// Chunk splits text into chunks. Chunking is deterministic: the same text,
// counter, and options always produce the same map.
func Chunk(text string, counter tokenizer.Counter, opts Options) (*Map, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := &Map{text: text, index: make(map[string]int)}
	if text == "" {
		return m, nil
	}

	lines := splitLines(text, counter)
	cursor := 0
	prevStart, prevTokens := 0, 0

	for cursor < len(lines) {
		startLine := cursor
		tokens := 0

		if len(m.spans) > 0 && opts.OverlapRatio > 0 {
			target := int(math.Ceil(opts.OverlapRatio * float64(prevTokens)))
			// Replay the smallest suffix of the previous chunk covering the
			// target, but always leave its first line out so chunking makes
			// progress.
			j := cursor
			acc := 0
			for j > prevStart+1 && acc < target {
				j--
				acc += lines[j].tokens
			}
			startLine = j
			tokens = acc
		}

		for cursor < len(lines) {
			tokens += lines[cursor].tokens
			cursor++
			if tokens >= opts.SoftLimitTokens {
				break
			}
		}

		span := Span{Start: lines[startLine].start, End: lines[cursor-1].end}
		m.index[span.Key()] = len(m.spans)
		m.spans = append(m.spans, span)
		prevStart, prevTokens = startLine, tokens

		if opts.MaxChunks > 0 && len(m.spans) >= opts.MaxChunks {
			break
		}
	}
	return m, nil
}

// ChunkDetached behaves like Chunk but runs large texts on their own
// goroutine so callers iterating many manufacturers stay responsive. The
// context only abandons the wait; the chunking goroutine finishes and is
// collected on its own.
func ChunkDetached(ctx context.Context, text string, counter tokenizer.Counter, opts Options) (*Map, error) {
	if len(text) < OffloadThresholdBytes {
		return Chunk(text, counter, opts)
	}

	type result struct {
		m   *Map
		err error
	}
	resultChan := make(chan result, 1)
	go func() {
		m, err := Chunk(text, counter, opts)
		resultChan <- result{m: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultChan:
		return r.m, r.err
	}
}
