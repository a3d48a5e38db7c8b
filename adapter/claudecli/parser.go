package claudecli

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/coyaSONG/tab/adapter"
)

// rawLine is the superset of fields recognized across the object
// types spec.md §4.2 names for LINE_JSON_STDOUT: system, assistant,
// user (ignored), and result.
type rawLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	DurationMS   float64 `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageWrapper struct {
	Content []contentBlock `json:"content"`
}

// lineParser reads a bounded-length-per-line stream of JSON objects
// and translates each into a normalized adapter.Event. Unlike
// bufio.Scanner, an over-long line is dropped rather than ending the
// stream, per spec.md §4.2 ("reject lines exceeding a configurable
// maximum").
type lineParser struct {
	reader    *bufio.Reader
	maxLine   int
	sessionID string
}

func newLineParser(r io.Reader, maxLine int) *lineParser {
	if maxLine <= 0 {
		maxLine = 1 << 20 // 1 MiB default
	}
	return &lineParser{reader: bufio.NewReaderSize(r, 64*1024), maxLine: maxLine}
}

// next returns the next normalized event, or io.EOF once the
// underlying stream is exhausted. Non-JSON and over-long lines are
// dropped without being logged (the caller never sees them) and next
// recurses to the following line.
func (p *lineParser) next() (adapter.Event, error) {
	line, overLong, err := p.readLine()
	if err != nil {
		return adapter.Event{}, err
	}
	if overLong || len(line) == 0 {
		return p.next()
	}

	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return p.next()
	}

	switch raw.Type {
	case "system":
		if raw.SessionID != "" {
			p.sessionID = raw.SessionID
		}
		return adapter.Event{Kind: adapter.EventSystemInit, AgentSessionID: p.sessionID}, nil
	case "assistant":
		text := extractText(raw.Message)
		if text == "" {
			return p.next()
		}
		return adapter.Event{Kind: adapter.EventContent, ContentChunk: text, AgentSessionID: p.sessionID}, nil
	case "result":
		outcome := &adapter.Outcome{
			Text:           raw.Result,
			Duration:       msToDuration(raw.DurationMS),
			AgentSessionID: p.sessionID,
			Success:        !raw.IsError,
		}
		outcome.Cost = usdToDecimal(raw.TotalCostUSD)
		if raw.IsError {
			outcome.ErrorMessage = raw.Result
		}
		return adapter.Event{Kind: adapter.EventResult, Result: outcome, AgentSessionID: p.sessionID}, nil
	case "user":
		return p.next()
	default:
		return p.next()
	}
}

// readLine reads one newline-delimited line, reporting overLong=true
// if it exceeded maxLine (the line is still fully drained from the
// reader so parsing can resume cleanly at the next line).
func (p *lineParser) readLine() (line []byte, overLong bool, err error) {
	var buf []byte
	for {
		chunk, isPrefix, rErr := p.reader.ReadLine()
		buf = append(buf, chunk...)
		if len(buf) > p.maxLine {
			overLong = true
		}
		if rErr != nil {
			if len(buf) == 0 {
				return nil, false, rErr
			}
			return buf, overLong, nil
		}
		if !isPrefix {
			return buf, overLong, nil
		}
	}
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var wrapper messageWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ""
	}
	var out string
	for _, block := range wrapper.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
