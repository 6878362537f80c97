package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/PhucNguyen204/evtx-analyzer/pkg/event"
	"github.com/PhucNguyen204/evtx-analyzer/pkg/filter"
)

const (
	EnvPrefix        = "EVTX"
	LegacyEnvProfile = "WIN_EVTX_PROFILE"
	DefaultProfile   = "ir-default"
)

// Config holds everything one scan or serve run needs.
type Config struct {
	Input string `mapstructure:"input"` // JSON-lines file of normalized records, "-" for stdin

	Filter struct {
		Profile     string   `mapstructure:"profile"`
		EventIDs    string   `mapstructure:"event_ids"`     // 4624,4688,1@Microsoft-Windows-Sysmon/Operational
		OnlyEventID string   `mapstructure:"only_event_id"` // ID or ID@Channel
		Channels    []string `mapstructure:"channels"`
		Since       string   `mapstructure:"since"`
		Until       string   `mapstructure:"until"`
		Expression  string   `mapstructure:"expression"`
	} `mapstructure:"filter"`

	Dedup bool `mapstructure:"dedup"`

	Rules struct {
		NativeDir    string            `mapstructure:"native_dir"`
		SigmaDir     string            `mapstructure:"sigma_dir"`
		FieldMapping map[string]string `mapstructure:"field_mapping"`
	} `mapstructure:"rules"`

	Maps struct {
		Dir     string `mapstructure:"dir" validate:"required"`
		SyncURL string `mapstructure:"sync_url" validate:"omitempty,url"`
		S3      struct {
			Region       string `mapstructure:"region"`
			Endpoint     string `mapstructure:"endpoint" validate:"omitempty,url"`
			UsePathStyle bool   `mapstructure:"use_path_style"`
		} `mapstructure:"s3"`
	} `mapstructure:"maps"`

	SafelistDir string `mapstructure:"safelist_dir"`

	Output struct {
		Prefix         string   `mapstructure:"prefix"`
		FindingsPrefix string   `mapstructure:"findings_prefix"`
		Formats        []string `mapstructure:"formats" validate:"dive,oneof=jsonl csv"`
	} `mapstructure:"output"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Kafka struct {
		Brokers       []string `mapstructure:"brokers"`
		EventsTopic   string   `mapstructure:"events_topic"`
		FindingsTopic string   `mapstructure:"findings_topic"`
	} `mapstructure:"kafka"`

	Server struct {
		Addr        string  `mapstructure:"addr" validate:"required"`
		IngestRPS   float64 `mapstructure:"ingest_rps" validate:"gte=0"`
		IngestBurst int     `mapstructure:"ingest_burst" validate:"gte=0"`
	} `mapstructure:"server"`

	Debug bool `mapstructure:"debug"`
}

// FlagKeys maps CLI flag names onto config keys.
var FlagKeys = map[string]string{
	"input":           "input",
	"profile":         "filter.profile",
	"event-ids":       "filter.event_ids",
	"only-event-id":   "filter.only_event_id",
	"channels":        "filter.channels",
	"since":           "filter.since",
	"until":           "filter.until",
	"filter":          "filter.expression",
	"dedup":           "dedup",
	"rules-dir":       "rules.native_dir",
	"sigma-dir":       "rules.sigma_dir",
	"maps-dir":        "maps.dir",
	"maps-sync":       "maps.sync_url",
	"safelists-dir":   "safelist_dir",
	"output":          "output.prefix",
	"findings-output": "output.findings_prefix",
	"formats":         "output.formats",
	"db-dsn":          "postgres.dsn",
	"kafka-brokers":   "kafka.brokers",
	"addr":            "server.addr",
	"ingest-rps":      "server.ingest_rps",
	"debug":           "debug",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input", "-")
	v.SetDefault("filter.profile", "")
	v.SetDefault("maps.dir", "./maps")
	v.SetDefault("output.formats", []string{"jsonl"})
	v.SetDefault("kafka.events_topic", "evtx.events")
	v.SetDefault("kafka.findings_topic", "evtx.findings")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ingest_burst", 20)
}

// New returns a viper instance with defaults, the EVTX_ environment and the
// optional config file applied. Flags are bound by the caller.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env values of keys viper already knows.
	for _, key := range FlagKeys {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load decodes and validates v. The legacy WIN_EVTX_PROFILE variable fills
// the profile when nothing else did.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if c.Filter.Profile == "" {
		_ = v.BindEnv("legacy_profile", LegacyEnvProfile)
		c.Filter.Profile = v.GetString("legacy_profile")
	}
	if c.Filter.Profile == "" {
		c.Filter.Profile = DefaultProfile
	}
	if c.Output.FindingsPrefix == "" {
		c.Output.FindingsPrefix = c.Output.Prefix
	}
	c.Filter.Channels = splitList(c.Filter.Channels)
	c.Output.Formats = lowerAll(splitList(c.Output.Formats))
	c.Kafka.Brokers = splitList(c.Kafka.Brokers)

	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New()

func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := parseBound(c.Filter.Since); err != nil {
		return fmt.Errorf("invalid config: since: %w", err)
	}
	if _, err := parseBound(c.Filter.Until); err != nil {
		return fmt.Errorf("invalid config: until: %w", err)
	}
	return nil
}

// FilterSpec turns the filter section into a filter.Spec. --only-event-id
// replaces custom ids and the channel filter.
func (c *Config) FilterSpec() (filter.Spec, error) {
	prof := filter.GetProfile(c.Filter.Profile)
	spec := filter.Spec{
		IDsByChannel:  prof.IDsByChannel,
		ChannelFilter: c.Filter.Channels,
		Expression:    c.Filter.Expression,
	}
	spec.CustomIDs = ParseEventIDs(c.Filter.EventIDs, spec.IDsByChannel)

	if only := strings.TrimSpace(c.Filter.OnlyEventID); only != "" {
		id, ch, hasCh := strings.Cut(only, "@")
		spec.CustomIDs = []string{strings.TrimSpace(id)}
		spec.ChannelFilter = nil
		if hasCh {
			spec.ChannelFilter = []string{strings.TrimSpace(ch)}
		}
	}

	var err error
	if spec.Start, err = parseBound(c.Filter.Since); err != nil {
		return filter.Spec{}, fmt.Errorf("since: %w", err)
	}
	if spec.End, err = parseBound(c.Filter.Until); err != nil {
		return filter.Spec{}, fmt.Errorf("until: %w", err)
	}
	return spec, nil
}

// ParseEventIDs splits a comma separated id list. Plain ids are returned as
// custom ids; ID@Channel entries are added to byChannel instead, which
// restricts that channel to its listed ids.
func ParseEventIDs(s string, byChannel map[string]map[string]struct{}) []string {
	var custom []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, ch, ok := strings.Cut(part, "@")
		id, ch = strings.TrimSpace(id), strings.TrimSpace(ch)
		if !ok || ch == "" {
			custom = append(custom, id)
			continue
		}
		if byChannel[ch] == nil {
			byChannel[ch] = map[string]struct{}{}
		}
		byChannel[ch][id] = struct{}{}
	}
	return custom
}

func parseBound(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return event.ParseTimestamp(s)
}

// splitList accepts both real lists and a single comma separated string,
// which is what flags and env vars produce.
func splitList(xs []string) []string {
	var out []string
	for _, x := range xs {
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func lowerAll(xs []string) []string {
	for i := range xs {
		xs[i] = strings.ToLower(xs[i])
	}
	return xs
}
