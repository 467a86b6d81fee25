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

package types

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldMatcher compares one dotted field of a Match against a literal or
// regular-expression value. It is the event-map counterpart of
// alertmanager's label Matcher: same equality/regex split, retargeted from
// model.LabelSet to the nested document shape Query Runner hands to
// rule-types (spec.md §4.C step 5).
//
// FieldMatcher is not used outside this package: the blacklist/whitelist
// list-enhancements of spec.md §4.B are built as query_string filters by
// esquery.ApplyListEnhancements instead.
type FieldMatcher struct {
	Field string
	Value string
	IsRegex bool

	regex *regexp.Regexp
}

// Init compiles the matcher's regular expression, if any. Match calls it
// on first use when the pattern is not compiled yet; Validate only checks
// that the pattern compiles and does not store it.
func (m *FieldMatcher) Init() error {
	if !m.IsRegex {
		return nil
	}
	re, err := regexp.Compile("^(?:" + m.Value + ")$")
	if err != nil {
		return fmt.Errorf("invalid regular expression %q: %w", m.Value, err)
	}
	m.regex = re
	return nil
}

// Validate checks the matcher is well formed: non-empty field, non-empty
// value, and (if IsRegex) a compilable pattern.
func (m *FieldMatcher) Validate() error {
	if m.Field == "" {
		return fmt.Errorf("invalid field %q", m.Field)
	}
	if m.Value == "" {
		return fmt.Errorf("invalid value %q", m.Value)
	}
	if m.IsRegex {
		if _, err := regexp.Compile("^(?:" + m.Value + ")$"); err != nil {
			return fmt.Errorf("invalid regular expression %q", m.Value)
		}
	}
	return nil
}

// Match reports whether the match's Field compares equal (or matches the
// compiled regex) against Value. A missing field compares against the
// empty string, matching the teacher's "unset labels are treated as the
// empty label" rule.
func (m *FieldMatcher) Match(match Match, lookup func(Match, string) (string, bool)) bool {
	v, _ := lookup(match, m.Field)
	if m.IsRegex {
		if m.regex == nil {
			_ = m.Init()
		}
		return m.regex.MatchString(v)
	}
	return v == m.Value
}

func (m *FieldMatcher) String() string {
	if m.IsRegex {
		return fmt.Sprintf("%s=~%q", m.Field, m.Value)
	}
	return fmt.Sprintf("%s=%q", m.Field, m.Value)
}

// NewFieldMatcher returns an equality matcher.
func NewFieldMatcher(field, value string) *FieldMatcher {
	return &FieldMatcher{Field: field, Value: value}
}

// NewRegexFieldMatcher returns a regex matcher. The pattern must already
// be anchored-free (Init adds the anchors).
func NewRegexFieldMatcher(field, pattern string) *FieldMatcher {
	m := &FieldMatcher{Field: field, Value: pattern, IsRegex: true}
	_ = m.Init()
	return m
}

// FieldMatchers is a conjunction ("must match all") of FieldMatcher.
type FieldMatchers []*FieldMatcher

// Match reports whether every matcher is satisfied.
func (ms FieldMatchers) Match(match Match, lookup func(Match, string) (string, bool)) bool {
	for _, m := range ms {
		if !m.Match(match, lookup) {
			return false
		}
	}
	return true
}

func (ms FieldMatchers) String() string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, m.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
