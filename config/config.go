// Package config implements spec.md §6's rule loader contract: decode
// a global config.yaml plus one YAML file per rule from a rules folder,
// convert each into a *types.Rule, and fingerprint rule files so the
// scheduler's config-change check (spec.md §4.J load_rule_changes) can
// tell a rewritten file from an untouched one without re-parsing it.
//
// Grounded on the teacher's config/config.go `yaml.v2`-based decode
// shape (the newer alertmanager config, not the protobuf-era one),
// generalized from Alertmanager's single routing-tree document to one
// document per rule file. Content hashing is grounded on
// `prometheus/common/model`'s use of `cespare/xxhash/v2` for
// fingerprinting, here applied to raw file bytes instead of a label set.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v2"

	"github.com/chronowatch/chronowatch/types"
)

// Global holds the top-level config.yaml settings shared by every rule:
// the search backend connection and the writeback index naming scheme.
type Global struct {
	RulesFolder string   `yaml:"rules_folder"`
	ESHost      string   `yaml:"es_host"`
	ESPort      int      `yaml:"es_port"`
	ESUsername  string   `yaml:"es_username"`
	ESPassword  string   `yaml:"es_password"`
	ESUseSSL    bool     `yaml:"use_ssl"`
	WritebackIndex string `yaml:"writeback_index"`
	RunEvery    Duration `yaml:"run_every"`
	BufferTime  Duration `yaml:"buffer_time"`
	OldQueryLimit Duration `yaml:"old_query_limit"`
	AlertTimeLimit Duration `yaml:"alert_time_limit"`
	SMTPHost    string   `yaml:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port"`
	SMTPFrom    string   `yaml:"from_addr"`
}

// LoadGlobal decodes config.yaml at path.
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var g Global
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if g.RulesFolder == "" {
		g.RulesFolder = "rules"
	}
	if g.WritebackIndex == "" {
		g.WritebackIndex = "elastalert_status"
	}
	return &g, nil
}

// ruleFile is the on-disk YAML shape of one rule, field-for-field
// against the rule attributes the GLOSSARY names (spec.md §3).
// Converted to *types.Rule by toRule.
type ruleFile struct {
	Name string `yaml:"name"`

	RunEvery   Duration `yaml:"run_every"`
	BufferTime Duration `yaml:"buffer_time"`
	Timeframe  Duration `yaml:"timeframe"`
	QueryDelay Duration `yaml:"query_delay"`

	Filter           []map[string]any `yaml:"filter"`
	Index            string           `yaml:"index"`
	UseStrftimeIndex bool             `yaml:"use_strftime_index"`
	TimestampField   string           `yaml:"timestamp_field"`
	TimestampType    string           `yaml:"timestamp_type"` // "iso" or "unix_ms"; empty means unix_ms

	Type             string   `yaml:"type"` // search | count | terms | aggregation
	QueryKey         string   `yaml:"query_key"`
	CompoundQueryKey []string `yaml:"compound_query_key"`
	AggregationKey   string   `yaml:"aggregation_key"`

	Aggregation                                    map[string]any `yaml:"aggregation"`
	AggregateByMatchTime                           bool           `yaml:"aggregate_by_match_time"`
	AggregationAlertTimeComparedWithTimestampField bool           `yaml:"aggregation_alert_time_compared_with_timestamp_field"`
	AllowBufferTimeOverlap                         bool           `yaml:"allow_buffer_time_overlap"`
	ScanEntireTimeframe                            bool           `yaml:"scan_entire_timeframe"`
	SyncBucketInterval                             bool           `yaml:"sync_bucket_interval"`
	BucketIntervalTimedelta                        Duration       `yaml:"bucket_interval"`

	Realert            Duration `yaml:"realert"`
	ExponentialRealert Duration `yaml:"exponential_realert"`

	MaxQuerySize    int      `yaml:"max_query_size"`
	ScrollKeepalive Duration `yaml:"scroll_keepalive"`
	TopCountKeys    []string `yaml:"top_count_keys"`

	TermsSize         int    `yaml:"terms_size"`
	MinDocCount       int    `yaml:"min_doc_count"`
	RawCountKeys      bool   `yaml:"raw_count_keys"`
	MultiFieldPostfix string `yaml:"multi_field_postfix"`

	Blacklist  []string `yaml:"blacklist"`
	Whitelist  []string `yaml:"whitelist"`
	CompareKey string   `yaml:"compare_key"`

	Alert                []string `yaml:"alert"`
	Enhancements         []string `yaml:"match_enhancements"`
	RunEnhancementsFirst bool     `yaml:"run_enhancements_first"`

	IncludeRuleParamsInMatches bool           `yaml:"include_rule_params_in_matches"`
	IncludeRuleParamsFirstOnly bool           `yaml:"include_rule_params_first_only"`
	RuleParams                 map[string]any `yaml:"rule_params"`

	LimitExecution string `yaml:"limit_execution"`
	IsEnabled      *bool  `yaml:"is_enabled"`

	DisableRulesOnError bool     `yaml:"disable_rules_on_error"`
	NotifyEmail         []string `yaml:"notify_email"`
	NotifyAlert         []string `yaml:"notify_alert"`

	OldQueryLimit Duration `yaml:"old_query_limit"`
	QueryTimezone string   `yaml:"query_timezone"`
}

// LoadRuleFile decodes and converts one rule file.
func LoadRuleFile(path string) (*types.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading rule %s: %w", path, err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("config: parsing rule %s: %w", path, err)
	}
	rule, err := rf.toRule()
	if err != nil {
		return nil, fmt.Errorf("config: rule %s: %w", path, err)
	}
	return rule, nil
}

func (rf *ruleFile) toRule() (*types.Rule, error) {
	if rf.Name == "" {
		return nil, fmt.Errorf("rule has no name")
	}

	mode, err := parseMode(rf.Type)
	if err != nil {
		return nil, err
	}

	filters := make([]types.Filter, 0, len(rf.Filter))
	for _, f := range rf.Filter {
		filters = append(filters, types.Filter{Raw: f})
	}

	isEnabled := true
	if rf.IsEnabled != nil {
		isEnabled = *rf.IsEnabled
	}

	timestampFormat := ""
	if rf.TimestampType == "iso" {
		timestampFormat = time.RFC3339
	}

	agg, err := parseAggregation(rf.Aggregation)
	if err != nil {
		return nil, err
	}

	rule := &types.Rule{
		Name: rf.Name,

		RunEvery:   rf.RunEvery.Duration,
		BufferTime: rf.BufferTime.Duration,
		Timeframe:  rf.Timeframe.Duration,
		QueryDelay: rf.QueryDelay.Duration,

		Filters:          filters,
		IndexTemplate:    rf.Index,
		UseStrftimeIndex: rf.UseStrftimeIndex,
		TimestampField:   rf.TimestampField,
		TimestampFieldFormat: timestampFormat,

		Mode: mode,

		QueryKey:         rf.QueryKey,
		CompoundQueryKey: rf.CompoundQueryKey,
		AggregationKey:   rf.AggregationKey,

		Aggregation: agg,
		AggregateByMatchTime: rf.AggregateByMatchTime,
		AggregationAlertTimeComparedWithTimestampField: rf.AggregationAlertTimeComparedWithTimestampField,
		AllowBufferTimeOverlap: rf.AllowBufferTimeOverlap,
		ScanEntireTimeframe:    rf.ScanEntireTimeframe,
		SyncBucketInterval:     rf.SyncBucketInterval,
		BucketIntervalTimedelta: rf.BucketIntervalTimedelta.Duration,

		Realert:            rf.Realert.Duration,
		ExponentialRealert: rf.ExponentialRealert.Duration,

		MaxQuerySize:    rf.MaxQuerySize,
		ScrollKeepalive: rf.ScrollKeepalive.Duration,
		TopCountKeys:    rf.TopCountKeys,

		TermsSize:         rf.TermsSize,
		MinDocCount:       rf.MinDocCount,
		RawCountKeys:      rf.RawCountKeys,
		MultiFieldPostfix: rf.MultiFieldPostfix,

		Blacklist:  rf.Blacklist,
		Whitelist:  rf.Whitelist,
		CompareKey: rf.CompareKey,

		Alerters:             rf.Alert,
		Enhancements:         rf.Enhancements,
		RunEnhancementsFirst: rf.RunEnhancementsFirst,

		IncludeRuleParamsInMatches: rf.IncludeRuleParamsInMatches,
		IncludeRuleParamsFirstOnly: rf.IncludeRuleParamsFirstOnly,
		RuleParams:                 rf.RuleParams,

		LimitExecution: rf.LimitExecution,
		IsEnabled:      isEnabled,

		DisableRulesOnError: rf.DisableRulesOnError,
		NotifyEmail:         rf.NotifyEmail,
		NotifyAlert:         rf.NotifyAlert,

		OldQueryLimit: rf.OldQueryLimit.Duration,
		QueryTimezone: rf.QueryTimezone,
	}
	return rule, nil
}

func parseMode(t string) (types.Mode, error) {
	switch strings.ToLower(t) {
	case "", "search", "any":
		return types.ModeSearch, nil
	case "count", "frequency":
		return types.ModeCount, nil
	case "terms", "spike":
		return types.ModeTerms, nil
	case "aggregation", "metric_aggregation":
		return types.ModeAggregation, nil
	default:
		return types.ModeSearch, fmt.Errorf("unknown rule type %q", t)
	}
}

// parseAggregation accepts either {minutes: 5} (fixed duration) or
// {schedule: "*/5 * * * *"} (cron), matching the two shapes spec.md
// §3's Aggregation type supports.
func parseAggregation(raw map[string]any) (types.Aggregation, error) {
	if raw == nil {
		return types.Aggregation{}, nil
	}
	if sched, ok := raw["schedule"]; ok {
		s, _ := sched.(string)
		return types.Aggregation{Schedule: s}, nil
	}
	d, err := durationFromUnits(raw)
	if err != nil {
		return types.Aggregation{}, fmt.Errorf("aggregation: %w", err)
	}
	return types.Aggregation{Duration: d}, nil
}

// Duration wraps time.Duration with a YAML decoder accepting the
// elastalert rule-file unit-dict shape ({minutes: 5}) so rule files can
// keep their original human-readable duration syntax.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw map[string]any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	dur, err := durationFromUnits(raw)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

var unitScale = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

func durationFromUnits(raw map[string]any) (time.Duration, error) {
	var total time.Duration
	for unit, v := range raw {
		scale, ok := unitScale[unit]
		if !ok {
			continue
		}
		n, err := toFloat(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", unit, err)
		}
		total += time.Duration(n * float64(scale))
	}
	return total, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// ParseUnitDuration parses the CLI `<units>=<n>` syntax spec.md §6 uses
// for --silence and --patience (e.g. "hours=1").
func ParseUnitDuration(s string) (time.Duration, error) {
	unit, n, ok := strings.Cut(s, "=")
	if !ok {
		return 0, fmt.Errorf("invalid duration %q, want <unit>=<n>", s)
	}
	scale, ok := unitScale[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
	count, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", n, err)
	}
	return time.Duration(count * float64(scale)), nil
}

// LoadRules walks folder for *.yaml rule files and converts each one,
// implementing spec.md §6's load_configuration. A file that fails to
// parse is reported but does not abort the rest of the load.
func LoadRules(folder string) (map[string]*types.Rule, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("config: reading rules folder %s: %w", folder, err)
	}

	rules := make(map[string]*types.Rule, len(entries))
	var errs types.MultiError
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(folder, entry.Name())
		rule, err := LoadRuleFile(path)
		if err != nil {
			errs.Add(err)
			continue
		}
		rules[path] = rule
	}
	if errs.Len() > 0 {
		return rules, &errs
	}
	return rules, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// HashFile returns the xxhash of path's raw bytes, the per-file
// fingerprint spec.md §4.J's load_rule_changes compares against the
// previous load to decide whether a rule actually changed.
func HashFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("config: hashing %s: %w", path, err)
	}
	return xxhash.Sum64(data), nil
}

// Hashes computes HashFile for every rule file in folder, keyed by path.
func Hashes(folder string) (map[string]uint64, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("config: reading rules folder %s: %w", folder, err)
	}
	out := make(map[string]uint64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(folder, entry.Name())
		h, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		out[path] = h
	}
	return out, nil
}

// Loader is the scheduler's collaborator for rule discovery and
// config-change detection (spec.md §4.J), implemented by *FileLoader.
type Loader interface {
	LoadRules(ctx context.Context) (map[string]*types.Rule, error)
	Hashes(ctx context.Context) (map[string]uint64, error)
}

// FileLoader is the filesystem-backed Loader: one YAML file per rule
// under a rules folder.
type FileLoader struct {
	folder string
}

// NewFileLoader returns a Loader rooted at folder.
func NewFileLoader(folder string) *FileLoader {
	return &FileLoader{folder: folder}
}

func (l *FileLoader) LoadRules(_ context.Context) (map[string]*types.Rule, error) {
	return LoadRules(l.folder)
}

func (l *FileLoader) Hashes(_ context.Context) (map[string]uint64, error) {
	return Hashes(l.folder)
}

// SingleRuleLoader is the --rule <file> single-rule-mode Loader
// (spec.md §6): it always reports exactly one rule, re-reading and
// re-hashing the file on every call so --rule mode still exercises
// load_rule_changes against that one file.
type SingleRuleLoader struct {
	path string
}

// NewSingleRuleLoader returns a Loader that only ever yields the rule
// at path.
func NewSingleRuleLoader(path string) *SingleRuleLoader {
	return &SingleRuleLoader{path: path}
}

func (l *SingleRuleLoader) LoadRules(_ context.Context) (map[string]*types.Rule, error) {
	rule, err := LoadRuleFile(l.path)
	if err != nil {
		return nil, err
	}
	return map[string]*types.Rule{l.path: rule}, nil
}

func (l *SingleRuleLoader) Hashes(_ context.Context) (map[string]uint64, error) {
	h, err := HashFile(l.path)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{l.path: h}, nil
}

// SortedPaths returns rules' keys in a stable order, for log output and
// deterministic reload diffing.
func SortedPaths(rules map[string]*types.Rule) []string {
	paths := make([]string, 0, len(rules))
	for p := range rules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
