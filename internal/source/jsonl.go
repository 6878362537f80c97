package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

const maxLine = 8 << 20

// JSONL reads one normalized record per line. Blank, malformed and
// oversized lines are logged and skipped.
type JSONL struct {
	r       *bufio.Reader
	buf     []byte
	closer  io.Closer
	log     *zap.SugaredLogger
	line    int
	Skipped int
}

func NewJSONL(r io.Reader, log *zap.SugaredLogger) *JSONL {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &JSONL{r: bufio.NewReaderSize(r, 64<<10), log: log}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Open reads path, or stdin for "-".
func Open(path string, log *zap.SugaredLogger) (*JSONL, error) {
	if path == "-" || path == "" {
		return NewJSONL(io.NopCloser(os.Stdin), log), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewJSONL(f, log), nil
}

func (s *JSONL) Next(ctx context.Context) (*event.NormalizedEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, tooLong, err := s.readLine()
		if err != nil && (err != io.EOF || (len(b) == 0 && !tooLong)) {
			return nil, err
		}
		s.line++
		if tooLong {
			s.Skipped++
			s.log.Warnw("skipping oversized record", "line", s.line, "limit", maxLine)
			continue
		}
		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			continue
		}
		var ev event.NormalizedEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			s.Skipped++
			s.log.Warnw("skipping malformed record", "line", s.line, "error", err)
			continue
		}
		return &ev, nil
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is drained and reported as tooLong. err is io.EOF on the final
// unterminated line as well as at end of input.
func (s *JSONL) readLine() (line []byte, tooLong bool, err error) {
	s.buf = s.buf[:0]
	for {
		frag, isPrefix, err := s.r.ReadLine()
		if !tooLong {
			if len(s.buf)+len(frag) > maxLine {
				tooLong = true
				s.buf = s.buf[:0]
			} else {
				s.buf = append(s.buf, frag...)
			}
		}
		if err != nil {
			if tooLong {
				return nil, true, err
			}
			return s.buf, false, err
		}
		if !isPrefix {
			return s.buf, tooLong, nil
		}
	}
}

func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// DecodeBatch accepts a single JSON object or an array of objects. Array
// items that are not valid records are skipped and counted.
func DecodeBatch(b []byte) ([]*event.NormalizedEvent, int, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var ev event.NormalizedEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, 0, err
		}
		return []*event.NormalizedEvent{&ev}, 0, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, 0, err
	}
	out := make([]*event.NormalizedEvent, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		var ev event.NormalizedEvent
		if bytes.HasPrefix(bytes.TrimSpace(r), []byte("{")) && json.Unmarshal(r, &ev) == nil {
			out = append(out, &ev)
			continue
		}
		skipped++
	}
	return out, skipped, nil
}

// Slice replays events already in memory.
type Slice struct {
	evs []*event.NormalizedEvent
}

func NewSlice(evs []*event.NormalizedEvent) *Slice { return &Slice{evs: evs} }

func (s *Slice) Next(ctx context.Context) (*event.NormalizedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.evs) == 0 {
		return nil, io.EOF
	}
	ev := s.evs[0]
	s.evs = s.evs[1:]
	return ev, nil
}
