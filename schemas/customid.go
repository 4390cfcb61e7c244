package schemas

import (
	"fmt"
	"strconv"
	"strings"
)

// Custom IDs are the stable join key between deferred manufacturer state,
// request rows, batch input files, and provider output lines. The layout is
// positional, '>'-separated, and always starts with "etld1>field>", so a
// whole field's requests can be removed with one ordered range scan:
//
//	binary/keyword:  etld1>field>chunk>start:end
//	basic:           etld1>field>start:end
//	concept search:  etld1>field>llm_search>chunk>start:end
//	concept mapping: etld1>field>mapping>0:0
//
// start:end are decimal byte offsets into the manufacturer's scraped text,
// so decoding an ID together with the original text recovers the exact
// chunk substring.
const (
	customIDSep = ">"

	// customIDRangeEnd sorts after every legal custom ID suffix, closing the
	// half-open prefix range used by delete-by-prefix scans.
	customIDRangeEnd = "￿"

	chunkMarker = "chunk"
)

// CustomID is the decoded form of a batch request identifier.
type CustomID struct {
	Etld1 string
	Field FieldName
	Kind  RequestKind
	Start int
	End   int
}

// NewChunkID builds the identifier for a plain per-chunk request. Used for
// binary, basic, and keyword fields; the field's kind decides the encoding.
func NewChunkID(etld1 string, field FieldName, start, end int) CustomID {
	return CustomID{Etld1: etld1, Field: field, Kind: RequestKindChunk, Start: start, End: end}
}

// NewSearchID builds the identifier for a phase-one concept search request.
func NewSearchID(etld1 string, field FieldName, start, end int) CustomID {
	return CustomID{Etld1: etld1, Field: field, Kind: RequestKindLLMSearch, Start: start, End: end}
}

// NewMappingID builds the identifier for the phase-two concept mapping
// request. Mapping requests span the whole document, encoded as 0:0.
func NewMappingID(etld1 string, field FieldName) CustomID {
	return CustomID{Etld1: etld1, Field: field, Kind: RequestKindMapping}
}

// String encodes the identifier. Encoding is the inverse of ParseCustomID.
func (c CustomID) String() string {
	bounds := strconv.Itoa(c.Start) + ":" + strconv.Itoa(c.End)
	kind, _ := KindOf(c.Field)
	switch {
	case c.Kind == RequestKindMapping:
		return c.Etld1 + customIDSep + string(c.Field) + customIDSep + string(RequestKindMapping) + customIDSep + "0:0"
	case c.Kind == RequestKindLLMSearch:
		return c.Etld1 + customIDSep + string(c.Field) + customIDSep + string(RequestKindLLMSearch) + customIDSep + chunkMarker + customIDSep + bounds
	case kind == FieldKindBasic:
		return c.Etld1 + customIDSep + string(c.Field) + customIDSep + bounds
	default:
		return c.Etld1 + customIDSep + string(c.Field) + customIDSep + chunkMarker + customIDSep + bounds
	}
}

// ChunkKey returns the "start:end" key of the chunk this request addresses.
func (c CustomID) ChunkKey() string {
	return strconv.Itoa(c.Start) + ":" + strconv.Itoa(c.End)
}

// ParseCustomID decodes an identifier produced by String. Decoding is
// strict: unknown fields, malformed bounds, and layouts that do not match
// the field's kind are errors.
func ParseCustomID(raw string) (CustomID, error) {
	parts := strings.Split(raw, customIDSep)
	if len(parts) < 3 || len(parts) > 5 {
		return CustomID{}, fmt.Errorf("custom id %q: expected 3-5 segments, got %d", raw, len(parts))
	}
	if parts[0] == "" {
		return CustomID{}, fmt.Errorf("custom id %q: empty etld1", raw)
	}
	field := FieldName(parts[1])
	fieldKind, ok := KindOf(field)
	if !ok {
		return CustomID{}, fmt.Errorf("custom id %q: unknown field %q", raw, parts[1])
	}

	id := CustomID{Etld1: parts[0], Field: field}
	switch len(parts) {
	case 3:
		if fieldKind != FieldKindBasic {
			return CustomID{}, fmt.Errorf("custom id %q: field %s requires a kind segment", raw, field)
		}
		id.Kind = RequestKindChunk
		return id, parseBounds(raw, parts[2], &id)
	case 4:
		switch parts[2] {
		case chunkMarker:
			if fieldKind != FieldKindBinary && fieldKind != FieldKindKeyword {
				return CustomID{}, fmt.Errorf("custom id %q: kind %q does not apply to %s field %s", raw, parts[2], fieldKind, field)
			}
			id.Kind = RequestKindChunk
			return id, parseBounds(raw, parts[3], &id)
		case string(RequestKindMapping):
			if fieldKind != FieldKindConcept {
				return CustomID{}, fmt.Errorf("custom id %q: mapping only applies to concept fields", raw)
			}
			id.Kind = RequestKindMapping
			return id, parseBounds(raw, parts[3], &id)
		default:
			return CustomID{}, fmt.Errorf("custom id %q: unknown kind %q", raw, parts[2])
		}
	default: // 5
		if parts[2] != string(RequestKindLLMSearch) || parts[3] != chunkMarker {
			return CustomID{}, fmt.Errorf("custom id %q: malformed search segments", raw)
		}
		if fieldKind != FieldKindConcept {
			return CustomID{}, fmt.Errorf("custom id %q: llm_search only applies to concept fields", raw)
		}
		id.Kind = RequestKindLLMSearch
		return id, parseBounds(raw, parts[4], &id)
	}
}

func parseBounds(raw, bounds string, id *CustomID) error {
	start, end, ok := strings.Cut(bounds, ":")
	if !ok {
		return fmt.Errorf("custom id %q: malformed bounds %q", raw, bounds)
	}
	s, err := strconv.Atoi(start)
	if err != nil {
		return fmt.Errorf("custom id %q: bad start offset: %w", raw, err)
	}
	e, err := strconv.Atoi(end)
	if err != nil {
		return fmt.Errorf("custom id %q: bad end offset: %w", raw, err)
	}
	if s < 0 || e < s {
		return fmt.Errorf("custom id %q: inverted bounds %d:%d", raw, s, e)
	}
	id.Start, id.End = s, e
	return nil
}

// Etld1Of extracts the first segment without decoding the rest. The station
// uses it to group provider output lines by manufacturer.
func Etld1Of(raw string) (string, error) {
	etld1, rest, ok := strings.Cut(raw, customIDSep)
	if !ok || etld1 == "" || rest == "" {
		return "", fmt.Errorf("custom id %q: missing etld1 segment", raw)
	}
	return etld1, nil
}

// FieldPrefix returns the shared prefix of every custom ID belonging to one
// manufacturer field.
func FieldPrefix(etld1 string, field FieldName) string {
	return etld1 + customIDSep + string(field) + customIDSep
}

// FieldPrefixRange returns the half-open [lo, hi) interval covering every
// custom ID under FieldPrefix, suitable for an ordered range delete.
func FieldPrefixRange(etld1 string, field FieldName) (string, string) {
	prefix := FieldPrefix(etld1, field)
	return prefix, prefix + customIDRangeEnd
}

// ValidateEtld1 rejects domain keys that would corrupt the positional
// encoding.
func ValidateEtld1(etld1 string) error {
	if etld1 == "" {
		return fmt.Errorf("etld1 must not be empty")
	}
	if strings.Contains(etld1, customIDSep) {
		return fmt.Errorf("etld1 %q must not contain %q", etld1, customIDSep)
	}
	return nil
}
