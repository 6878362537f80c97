package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
)

const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

var (
	eventHeader   = []string{"timestamp", "channel", "event_id", "computer", "provider", "record_id", "user_sid", "data"}
	findingHeader = []string{"id", "event_timestamp", "channel", "event_id", "rule_id", "severity", "description", "tags"}
)

type file struct {
	f *os.File
	w *bufio.Writer
}

func create(path string) (*file, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &file{f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

func (f *file) close() error {
	if f == nil {
		return nil
	}
	return errors.Join(f.w.Flush(), f.f.Close())
}

// JSONL writes events to <prefix>.jsonl and findings to
// <findingsPrefix>.findings.jsonl. Either file is only created when its
// prefix is set.
type JSONL struct {
	events, findings *file
	evEnc, findEnc   *json.Encoder
}

func NewJSONL(prefix, findingsPrefix string) (*JSONL, error) {
	j := &JSONL{}
	var err error
	if prefix != "" {
		if j.events, err = create(prefix + ".jsonl"); err != nil {
			return nil, err
		}
		j.evEnc = json.NewEncoder(j.events.w)
	}
	if findingsPrefix != "" {
		if j.findings, err = create(findingsPrefix + ".findings.jsonl"); err != nil {
			j.events.close()
			return nil, err
		}
		j.findEnc = json.NewEncoder(j.findings.w)
	}
	return j, nil
}

func (j *JSONL) WriteEvent(_ context.Context, ev *event.NormalizedEvent) error {
	if j.evEnc == nil {
		return nil
	}
	return j.evEnc.Encode(ev)
}

func (j *JSONL) WriteFinding(_ context.Context, f event.Finding) error {
	if j.findEnc == nil {
		return nil
	}
	return j.findEnc.Encode(f)
}

func (j *JSONL) Close() error {
	return errors.Join(j.events.close(), j.findings.close())
}

// CSV writes the flat columns of events and findings; the data payload and
// the tags are JSON encoded in their cells.
type CSV struct {
	events, findings *file
	evW, findW       *csv.Writer
}

func NewCSV(prefix, findingsPrefix string) (*CSV, error) {
	c := &CSV{}
	var err error
	if prefix != "" {
		if c.events, err = create(prefix + ".csv"); err != nil {
			return nil, err
		}
		c.evW = csv.NewWriter(c.events.w)
		if err := c.evW.Write(eventHeader); err != nil {
			c.events.close()
			return nil, err
		}
	}
	if findingsPrefix != "" {
		if c.findings, err = create(findingsPrefix + ".findings.csv"); err != nil {
			c.events.close()
			return nil, err
		}
		c.findW = csv.NewWriter(c.findings.w)
		if err := c.findW.Write(findingHeader); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CSV) WriteEvent(_ context.Context, ev *event.NormalizedEvent) error {
	if c.evW == nil {
		return nil
	}
	data := ""
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		data = string(b)
	}
	return c.evW.Write([]string{ev.Timestamp, ev.Channel, ev.EventID, ev.Computer, ev.Provider, ev.RecordID, ev.UserSID, data})
}

func (c *CSV) WriteFinding(_ context.Context, f event.Finding) error {
	if c.findW == nil {
		return nil
	}
	tags, _ := json.Marshal(f.Tags)
	return c.findW.Write([]string{f.ID, f.EventTimestamp, f.Channel, f.EventID, f.RuleID, f.Severity, f.Description, string(tags)})
}

func (c *CSV) Close() error {
	var errs []error
	for _, w := range []*csv.Writer{c.evW, c.findW} {
		if w != nil {
			w.Flush()
			errs = append(errs, w.Error())
		}
	}
	errs = append(errs, c.events.close(), c.findings.close())
	return errors.Join(errs...)
}

// OpenFiles builds one file sink per format.
func OpenFiles(formats []string, prefix, findingsPrefix string) (Multi, error) {
	var out Multi
	for _, format := range formats {
		var (
			s   Sink
			err error
		)
		switch strings.ToLower(format) {
		case FormatJSONL:
			s, err = NewJSONL(prefix, findingsPrefix)
		case FormatCSV:
			s, err = NewCSV(prefix, findingsPrefix)
		default:
			err = fmt.Errorf("unknown output format %q", format)
		}
		if err != nil {
			out.Close()
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
