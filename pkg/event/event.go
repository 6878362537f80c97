package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizedEvent is one record handed over by the external parser.
// Empty top-level attributes are treated as absent.
type NormalizedEvent struct {
	Timestamp      string            `json:"timestamp,omitempty"`
	TimestampValue time.Time         `json:"-"`
	Channel        string            `json:"channel"`
	EventID        string            `json:"event_id,omitempty"`
	Computer       string            `json:"computer,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	RecordID       string            `json:"record_id,omitempty"`
	UserSID        string            `json:"user_sid,omitempty"`
	Data           map[string]any    `json:"data"`
	Tags           []string          `json:"tags,omitempty"`
	Derived        map[string]string `json:"derived,omitempty"`
}

// Finding is produced by one rule matching one event.
type Finding struct {
	ID             string   `json:"id,omitempty"`
	RuleID         string   `json:"rule_id"`
	Severity       string   `json:"severity"`
	Description    string   `json:"description"`
	Tags           []string `json:"tags"`
	EventTimestamp string   `json:"event_timestamp,omitempty"`
	Channel        string   `json:"channel,omitempty"`
	EventID        string   `json:"event_id,omitempty"`
}

// Attribute names resolved before the data payload.
const (
	AttrTimestamp = "timestamp"
	AttrChannel   = "channel"
	AttrEventID   = "event_id"
	AttrComputer  = "computer"
	AttrProvider  = "provider"
	AttrRecordID  = "record_id"
	AttrUserSID   = "user_sid"
)

// Attribute returns a normalized top-level attribute. The second result is
// false when name is not an attribute at all.
func (e *NormalizedEvent) Attribute(name string) (string, bool) {
	switch name {
	case AttrTimestamp:
		return e.Timestamp, true
	case AttrChannel:
		return e.Channel, true
	case AttrEventID:
		return e.EventID, true
	case AttrComputer:
		return e.Computer, true
	case AttrProvider:
		return e.Provider, true
	case AttrRecordID:
		return e.RecordID, true
	case AttrUserSID:
		return e.UserSID, true
	}
	return "", false
}

// systemAliases maps Windows System element names onto attributes. They are
// consulted only when the payload has no field of that name.
var systemAliases = map[string]string{
	"EventID":       AttrEventID,
	"Channel":       AttrChannel,
	"Computer":      AttrComputer,
	"EventRecordID": AttrRecordID,
	"Provider_Name": AttrProvider,
}

// ResolveField looks name up among the normalized attributes first and the
// data payload second. An attribute name never falls through to data.
func ResolveField(e *NormalizedEvent, name string) (string, bool) {
	if v, isAttr := e.Attribute(name); isAttr {
		return v, v != ""
	}
	if v, ok := e.Data[name]; ok {
		if v == nil {
			return "", false
		}
		return Stringify(v), true
	}
	if attr, ok := systemAliases[name]; ok {
		v, _ := e.Attribute(attr)
		return v, v != ""
	}
	return "", false
}

// DataString returns data[name] as a string when present and non-nil.
func (e *NormalizedEvent) DataString(name string) (string, bool) {
	v, ok := e.Data[name]
	if !ok || v == nil {
		return "", false
	}
	return Stringify(v), true
}

// HasTimestamp reports whether the timestamp parsed.
func (e *NormalizedEvent) HasTimestamp() bool { return !e.TimestampValue.IsZero() }

// Clone returns a copy that shares no maps or slices with e.
func (e NormalizedEvent) Clone() NormalizedEvent {
	out := e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	if e.Derived != nil {
		out.Derived = make(map[string]string, len(e.Derived))
		for k, v := range e.Derived {
			out.Derived[k] = v
		}
	}
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	return out
}

// Stringify renders a payload scalar the way every matcher compares it.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 string and normalizes it to UTC.
// Strings without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTimestamp renders t the way normalized timestamps are stored.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type wireEvent struct {
	Timestamp any               `json:"timestamp"`
	Channel   any               `json:"channel"`
	EventID   any               `json:"event_id"`
	Computer  any               `json:"computer"`
	Provider  any               `json:"provider"`
	RecordID  any               `json:"record_id"`
	UserSID   any               `json:"user_sid"`
	Data      map[string]any    `json:"data"`
	Tags      []string          `json:"tags"`
	Derived   map[string]string `json:"derived"`
}

// UnmarshalJSON accepts numeric or string ids and keeps them as decimal
// strings; numbers inside data stay exact.
func (e *NormalizedEvent) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*e = NormalizedEvent{
		Channel:  Stringify(w.Channel),
		EventID:  Stringify(w.EventID),
		Computer: Stringify(w.Computer),
		Provider: Stringify(w.Provider),
		RecordID: Stringify(w.RecordID),
		UserSID:  Stringify(w.UserSID),
		Data:     w.Data,
		Tags:     w.Tags,
		Derived:  w.Derived,
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if ts := Stringify(w.Timestamp); ts != "" {
		e.Timestamp = ts
		if t, err := ParseTimestamp(ts); err == nil {
			e.TimestampValue = t
			e.Timestamp = FormatTimestamp(t)
		}
	}
	return nil
}
