package engine

import (
	"regexp"
	"strings"

	"avatarbackend/internal/wire"
)

// Segment is one emotion-uniform run of assistant text, the unit
// persisted as a message and pushed to the client as an outbound frame.
type Segment struct {
	Text    string
	Emotion string
}

var sentinelPattern = regexp.MustCompile(`^\[\[emotion:([A-Za-z]*)\]\]$`)

// segmenter incrementally splits a raw LLM text stream into emotion
// segments on the `[[emotion:<name>]]` sentinel, buffering unmatched
// `[[` suffixes so a sentinel split across two provider chunks is still
// recognized.
type segmenter struct {
	pending string
	buf     strings.Builder
	emotion string
}

func newSegmenter() *segmenter {
	return &segmenter{emotion: wire.EmotionNeutral}
}

// feed appends delta to the stream and returns any segments completed
// as a result (i.e. sentinel boundaries crossed within delta).
func (s *segmenter) feed(delta string) []Segment {
	s.pending += delta
	var segs []Segment

	for {
		openIdx := strings.Index(s.pending, "[[")
		if openIdx == -1 {
			if strings.HasSuffix(s.pending, "[") {
				if len(s.pending) > 1 {
					s.buf.WriteString(s.pending[:len(s.pending)-1])
				}
				s.pending = s.pending[len(s.pending)-1:]
			} else {
				s.buf.WriteString(s.pending)
				s.pending = ""
			}
			break
		}

		closeRel := strings.Index(s.pending[openIdx:], "]]")
		if closeRel == -1 {
			// Incomplete sentinel — hold everything from "[[" onward for the
			// next chunk.
			s.buf.WriteString(s.pending[:openIdx])
			s.pending = s.pending[openIdx:]
			break
		}

		closeIdx := openIdx + closeRel
		s.buf.WriteString(s.pending[:openIdx])
		sentinel := s.pending[openIdx : closeIdx+2]
		s.pending = s.pending[closeIdx+2:]

		if name, ok := parseSentinel(sentinel); ok {
			if text := s.buf.String(); text != "" {
				segs = append(segs, Segment{Text: text, Emotion: s.emotion})
			}
			s.buf.Reset()
			if wire.IsKnownEmotion(name) {
				s.emotion = name
			} else {
				s.emotion = wire.EmotionNeutral
			}
		}
		// Non-matching "[[...]]" text is stripped silently either way.
	}

	return segs
}

// final flushes any remaining buffered (and still-pending raw) text as
// the last segment of the turn. Returns nil if there is nothing to flush.
func (s *segmenter) final() *Segment {
	s.buf.WriteString(s.pending)
	s.pending = ""
	text := s.buf.String()
	s.buf.Reset()
	if text == "" {
		return nil
	}
	return &Segment{Text: text, Emotion: s.emotion}
}

func parseSentinel(sentinel string) (name string, ok bool) {
	m := sentinelPattern.FindStringSubmatch(sentinel)
	if m == nil {
		return "", false
	}
	return m[1], true
}
