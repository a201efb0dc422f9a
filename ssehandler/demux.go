// Package ssehandler implements component K: the SSE framer and HTTP
// request handler that drives the whole pipeline (router, decomposer,
// rerank, InsertBlock, conversation manager) for a single chat turn.
package ssehandler

import (
	"regexp"
	"strings"

	"github.com/wayfarer-labs/advisor/llmclient"
)

// EventKind distinguishes the two token channels a demultiplexed stream
// can emit.
type EventKind int

const (
	EventContent EventKind = iota
	EventThink
)

// Event is one flushed chunk ready to frame onto the wire.
type Event struct {
	Kind EventKind
	Text string
}

// thinkStartMarkers and thinkEndMarkers are the boundary tokens scanned in
// fallback mode, when the provider exposes no dedicated reasoning field.
// Grounded on knowledge_utils/llm_stream_parser.py's _detect_thinking_start
// / _detect_thinking_end; the Chinese report-section headings are the
// original system's actual prompt convention, not a generic guess.
var thinkStartMarkers = []string{
	"<think>",
	"【咨询解析】",
	"第一部分：咨询解析",
	"第一部分:咨询解析",
	"## 思考过程",
	"## 分析过程",
	"关键实体",
	"Key Entities",
	"1. 关键实体",
}

var thinkEndMarkers = []string{
	"</think>",
	"【综合解答】",
	"第二部分：综合解答",
	"第二部分:综合解答",
	"## 最终答案",
	"## 回答",
}

// thinkDetectionGiveUp bounds how long the fallback scanner withholds
// content waiting for a start marker before concluding the answer never
// has a thinking section at all.
const thinkDetectionGiveUp = 50

var codeFenceRE = regexp.MustCompile("`{3,}")

// stripCodeFences removes fenced code-block markers so CONTENT chunks
// never trigger spurious code rendering in the UI, matching
// _remove_code_blocks.
func stripCodeFences(s string) string {
	return codeFenceRE.ReplaceAllString(s, "")
}

// findEarliestMarker returns the index of the earliest-occurring marker in
// s and the marker's length, or (-1, 0) if none of markers occur.
func findEarliestMarker(s string, markers []string) (int, int) {
	best, bestLen := -1, 0
	for _, m := range markers {
		if idx := strings.Index(s, m); idx >= 0 && (best == -1 || idx < best) {
			best, bestLen = idx, len(m)
		}
	}
	return best, bestLen
}

// Demuxer splits a token stream into THINK/CONTENT events, following
// llm_stream_parser.py's two paths: a native reasoning-content channel
// (llmclient.Token{Kind: Thinking}, already split out per-provider by
// llmclient's Anthropic/OpenAI clients) when the provider exposes one, and
// a text-marker-scanning fallback over Content-kind tokens otherwise. The
// two paths are mutually exclusive per stream: once any native Thinking
// token arrives, every Content token is treated as native-mode plain
// content and the marker scanner is never engaged.
type Demuxer struct {
	enableThinking bool

	nativeSeen  bool
	reasoning   strings.Builder
	nativeText  strings.Builder

	// fallback-mode state
	raw        strings.Builder // text pending start-marker detection
	thinking   strings.Builder // text pending end-marker detection
	plain      strings.Builder // text pending flush, post end-marker (or thinking disabled)
	started    bool
	ended      bool
}

// NewDemuxer builds a demultiplexer. enableThinking gates whether the
// fallback scanner looks for marker tokens at all; when false, every
// Content token is passed straight through as CONTENT (parse_normal_stream).
func NewDemuxer(enableThinking bool) *Demuxer {
	return &Demuxer{enableThinking: enableThinking}
}

// Feed processes one streamed token and returns zero or more events ready
// to frame onto the wire immediately.
func (d *Demuxer) Feed(tok llmclient.Token) []Event {
	switch tok.Kind {
	case llmclient.Thinking:
		d.nativeSeen = true
		d.reasoning.WriteString(tok.Text)
		return flushOn(&d.reasoning, EventThink, 100, false)
	default:
		if d.nativeSeen {
			d.nativeText.WriteString(tok.Text)
			return flushOn(&d.nativeText, EventContent, 100, true)
		}
		return d.feedFallback(tok.Text)
	}
}

func (d *Demuxer) feedFallback(text string) []Event {
	if !d.enableThinking {
		d.plain.WriteString(text)
		return flushOn(&d.plain, EventContent, 5, true)
	}

	if d.started && d.ended {
		d.plain.WriteString(text)
	} else {
		d.raw.WriteString(text)
	}
	var events []Event

	for {
		if !d.started {
			buf := d.raw.String()
			idx, mlen := findEarliestMarker(buf, thinkStartMarkers)
			if idx < 0 {
				if len(buf) > thinkDetectionGiveUp {
					// No start marker within the first ~50 chars: this
					// answer never enters a thinking section, so stop
					// withholding content and flush straight through.
					events = append(events, Event{Kind: EventContent, Text: stripCodeFences(buf)})
					d.raw.Reset()
					d.started, d.ended = true, true
				}
				break
			}
			if idx > 0 {
				events = append(events, Event{Kind: EventContent, Text: stripCodeFences(buf[:idx])})
			}
			d.started = true
			d.raw.Reset()
			d.raw.WriteString(buf[idx+mlen:])
			continue
		}

		if !d.ended {
			buf := d.raw.String()
			idx, mlen := findEarliestMarker(buf, thinkEndMarkers)
			if idx >= 0 {
				if idx > 0 {
					events = append(events, Event{Kind: EventThink, Text: buf[:idx]})
				}
				d.ended = true
				d.raw.Reset()
				d.plain.WriteString(buf[idx+mlen:])
				continue
			}
			if strings.Contains(buf, "\n") || len(buf) > 10 {
				events = append(events, Event{Kind: EventThink, Text: buf})
				d.raw.Reset()
			}
			break
		}

		for _, ev := range flushOn(&d.plain, EventContent, 5, true) {
			ev.Text = strings.TrimLeft(ev.Text, ":：")
			events = append(events, ev)
		}
		break
	}

	return events
}

// Flush drains every buffer regardless of threshold; called once at stream
// end (or on a mid-stream error) so no partial chunk is silently dropped,
// matching the Python parser's last-resort flush-before-reraise behaviour.
func (d *Demuxer) Flush() []Event {
	var events []Event
	if d.reasoning.Len() > 0 {
		events = append(events, Event{Kind: EventThink, Text: d.reasoning.String()})
		d.reasoning.Reset()
	}
	if d.nativeText.Len() > 0 {
		events = append(events, Event{Kind: EventContent, Text: stripCodeFences(d.nativeText.String())})
		d.nativeText.Reset()
	}
	if d.raw.Len() > 0 {
		// Still inside (or never entered) the thinking section when the
		// stream ended: whatever's buffered is thinking text if a start
		// marker fired, otherwise stray content that never matched.
		kind := EventContent
		if d.started && !d.ended {
			kind = EventThink
		}
		text := d.raw.String()
		if kind == EventContent {
			text = stripCodeFences(text)
		}
		events = append(events, Event{Kind: kind, Text: text})
		d.raw.Reset()
	}
	if d.plain.Len() > 0 {
		events = append(events, Event{Kind: EventContent, Text: stripCodeFences(d.plain.String())})
		d.plain.Reset()
	}
	return events
}

// flushOn emits buf's contents as a single event once it contains a
// newline or exceeds threshold chars, stripping code fences first when
// stripFence is set (CONTENT channels only; THINK is never fence-stripped).
func flushOn(buf *strings.Builder, kind EventKind, threshold int, stripFence bool) []Event {
	s := buf.String()
	if !strings.Contains(s, "\n") && len(s) < threshold {
		return nil
	}
	buf.Reset()
	if stripFence {
		s = stripCodeFences(s)
	}
	return []Event{{Kind: kind, Text: s}}
}
