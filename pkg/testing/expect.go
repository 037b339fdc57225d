// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fe1fan/raven/pkg/core"
)

// Expectation is a condition checked against a ScenarioResult.
type Expectation interface {
	Check(r *ScenarioResult) error
	Description() string
}

type expectation struct {
	desc  string
	check func(r *ScenarioResult) error
}

func (e expectation) Check(r *ScenarioResult) error { return e.check(r) }
func (e expectation) Description() string         { return e.desc }

// Expect adds a custom expectation.
func (s *Scenario) Expect(e Expectation) *Scenario {
	s.expect = append(s.expect, e)
	return s
}

func (s *Scenario) expectResponse(desc string, check func(r *ScenarioResult) error) *Scenario {
	return s.Expect(expectation{desc, func(r *ScenarioResult) error {
		if r.Response == nil {
			return fmt.Errorf("no response")
		}
		return check(r)
	}})
}

func (s *Scenario) ExpectStatus(status int) *Scenario {
	return s.expectResponse(fmt.Sprintf("status %d", status), func(r *ScenarioResult) error {
		if r.Response.Status != status {
			return fmt.Errorf("got %d with body %s", r.Response.Status, r.Response.Body)
		}
		return nil
	})
}

func (s *Scenario) ExpectBody(m StringMatcher) *Scenario {
	return s.expectResponse("body "+m.Description(), func(r *ScenarioResult) error {
		if !m.Match(r.Response.Body) {
			return fmt.Errorf("got %q", r.Response.Body)
		}
		return nil
	})
}

// ExpectHeader matches the value of a response header; a missing header
// is matched as "".
func (s *Scenario) ExpectHeader(name string, m StringMatcher) *Scenario {
	return s.expectResponse(fmt.Sprintf("header %s %s", name, m.Description()), func(r *ScenarioResult) error {
		if v := r.Response.Headers[name]; !m.Match(v) {
			return fmt.Errorf("got %q", v)
		}
		return nil
	})
}

// ExpectErrorCode expects a failure exchange with the given error.code.
func (s *Scenario) ExpectErrorCode(code string) *Scenario {
	return s.expectCode("error code", code, (*ScenarioResult).FailureCode)
}

// ExpectDispatchCode expects the dispatch failure code behind an
// EXECUTION_ERROR.
func (s *Scenario) ExpectDispatchCode(code string) *Scenario {
	return s.expectCode("dispatch code", code, (*ScenarioResult).DispatchCode)
}

// ExpectProviderCode expects the provider's own failure code.
func (s *Scenario) ExpectProviderCode(code string) *Scenario {
	return s.expectCode("provider code", code, (*ScenarioResult).ProviderCode)
}

func (s *Scenario) expectCode(what, want string, get func(*ScenarioResult) string) *Scenario {
	return s.Expect(expectation{what + " " + want, func(r *ScenarioResult) error {
		if got := get(r); got != want {
			return fmt.Errorf("got %q", got)
		}
		return nil
	}})
}

func (s *Scenario) ExpectEvent(eventType core.EventType) *Scenario {
	return s.Expect(expectation{fmt.Sprintf("event %s", eventType), func(r *ScenarioResult) error {
		for _, ev := range r.Events {
			if ev.Type == eventType {
				return nil
			}
		}
		return fmt.Errorf("not emitted")
	}})
}

func (s *Scenario) ExpectMinDuration(d time.Duration) *Scenario {
	return s.Expect(expectation{fmt.Sprintf("duration >= %v", d), func(r *ScenarioResult) error {
		if r.Duration < d {
			return fmt.Errorf("took %v", r.Duration)
		}
		return nil
	}})
}

func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(expectation{fmt.Sprintf("duration <= %v", d), func(r *ScenarioResult) error {
		if r.Duration > d {
			return fmt.Errorf("took %v", r.Duration)
		}
		return nil
	}})
}

// StringMatcher matches a body or header value.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

type matcher struct {
	desc  string
	match func(string) bool
}

func (m matcher) Match(s string) bool  { return m.match(s) }
func (m matcher) Description() string { return m.desc }

func Contains(sub string) StringMatcher {
	return matcher{fmt.Sprintf("contains %q", sub), func(s string) bool { return strings.Contains(s, sub) }}
}

func Equals(want string) StringMatcher {
	return matcher{fmt.Sprintf("equals %q", want), func(s string) bool { return s == want }}
}

// Regex panics on an invalid pattern.
func Regex(pattern string) StringMatcher {
	re := regexp.MustCompile(pattern)
	return matcher{fmt.Sprintf("matches %q", pattern), re.MatchString}
}

func HasPrefix(prefix string) StringMatcher {
	return matcher{fmt.Sprintf("has prefix %q", prefix), func(s string) bool { return strings.HasPrefix(s, prefix) }}
}

func HasSuffix(suffix string) StringMatcher {
	return matcher{fmt.Sprintf("has suffix %q", suffix), func(s string) bool { return strings.HasSuffix(s, suffix) }}
}
