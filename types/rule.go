// Copyright 2015 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package types holds the value types shared across the rule-execution
// core: the rule descriptor, matches produced by rule-type detectors, and
// the small marker/error helpers every other package builds on.
package types

import (
	"time"
)

// Mode selects which of the four query shapes a rule drives.
type Mode int

const (
	ModeSearch Mode = iota
	ModeCount
	ModeTerms
	ModeAggregation
)

func (m Mode) String() string {
	switch m {
	case ModeSearch:
		return "search"
	case ModeCount:
		return "count"
	case ModeTerms:
		return "terms"
	case ModeAggregation:
		return "aggregation"
	default:
		return "unknown"
	}
}

// Aggregation describes the §4.G aggregation deadline: either a fixed
// duration from the triggering event, or a cron schedule string evaluated
// with github.com/robfig/cron/v3.
type Aggregation struct {
	Duration time.Duration
	Schedule string // non-empty iff this is a cron-driven aggregation
}

func (a Aggregation) IsZero() bool {
	return a.Duration == 0 && a.Schedule == ""
}

func (a Aggregation) IsCron() bool {
	return a.Schedule != ""
}

// Filter is a single backend-neutral filter term. Query Builder (esquery)
// interprets Raw when Field is empty, implementing the legacy
// {query: X} => X flattening rule from spec.md §4.B.
type Filter struct {
	Field string
	Value any
	Raw   map[string]any
}

// Rule is the configured descriptor for one detector, per spec.md §3.
type Rule struct {
	Name string

	RunEvery  time.Duration
	BufferTime time.Duration
	Timeframe  time.Duration
	QueryDelay time.Duration

	Filters        []Filter
	IndexTemplate  string
	UseStrftimeIndex bool
	TimestampField string
	TimestampFieldFormat string // e.g. RFC3339; empty means epoch millis

	Mode Mode

	QueryKey         string
	CompoundQueryKey []string
	AggregationKey   string

	Aggregation                                Aggregation
	AggregateByMatchTime                       bool
	AggregationAlertTimeComparedWithTimestampField bool
	AllowBufferTimeOverlap                     bool
	ScanEntireTimeframe                        bool
	SyncBucketInterval                         bool
	BucketIntervalTimedelta                    time.Duration

	Realert           time.Duration
	ExponentialRealert time.Duration // zero means disabled

	MaxQuerySize    int
	ScrollKeepalive time.Duration
	TopCountKeys    []string

	TermsSize      int
	MinDocCount    int
	RawCountKeys   bool
	MultiFieldPostfix string

	Blacklist  []string
	Whitelist  []string
	CompareKey string

	Alerters     []string
	Enhancements []string
	RunEnhancementsFirst bool

	IncludeRuleParamsInMatches     bool
	IncludeRuleParamsFirstOnly     bool
	RuleParams                     map[string]any

	LimitExecution string // cron expression gating ticks, §4.J
	IsEnabled      bool

	DisableRulesOnError bool
	NotifyEmail         []string
	NotifyAlert         []string

	OldQueryLimit time.Duration
	QueryTimezone string

	ScanEntireTimeframeOnce bool // internal: scan_entire_timeframe already consumed once
}

// RealertKey returns the default silence key for this rule, per the
// GLOSSARY: "<rule_name>._silence" unless a query key suffix applies.
func (r *Rule) RealertKey() string {
	return r.Name + "._silence"
}

// SegmentSize implements spec.md §4.F step 4: buffer_time for search and
// aggregation-with-overlap, run_every otherwise.
func (r *Rule) SegmentSize() time.Duration {
	if r.Mode == ModeSearch {
		return r.BufferTime
	}
	if r.Mode == ModeAggregation && r.AllowBufferTimeOverlap {
		return r.BufferTime
	}
	return r.RunEvery
}
