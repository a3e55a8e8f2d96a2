package stats

import (
	"fmt"
	"sort"
	"strings"
	"testing"
)

// A RuleChecker compares a rendered stat (got) against an expected value.
type RuleChecker struct {
	name    string
	checker func(got, want interface{}) bool
}

var Int64EqTest = RuleChecker{"Int64Eq", func(got, want interface{}) bool {
	g, ok := got.(int64)
	return ok && g == int64(want.(int))
}}

var Int64GTTest = RuleChecker{"Int64GT", func(got, want interface{}) bool {
	g, ok := got.(int64)
	return ok && g > int64(want.(int))
}}

var FloatGTTest = RuleChecker{"FloatGT", func(got, want interface{}) bool {
	g, ok := got.(float64)
	return ok && g > want.(float64)
}}

var DoesNotExistTest = RuleChecker{"DoesNotExist", func(got, want interface{}) bool {
	return got == nil
}}

type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

// VerifyStats fails t for every key in contains whose rendered value in
// statsRegistry, which must come from NewFinagleStatsRegistry, breaks its rule.
func VerifyStats(tag string, statsRegistry StatsRegistry, t testing.TB, contains map[string]Rule) {
	t.Helper()
	reg, ok := statsRegistry.(*finagleStatsRegistry)
	if !ok {
		t.Fatalf("%s: VerifyStats needs a finagle registry, got %T", tag, statsRegistry)
	}
	rendered := reg.MarshalAll()

	var failed []string
	for key, rule := range contains {
		got := rendered[key]
		if rule.Checker.checker(got, rule.Value) {
			continue
		}
		if rule.Checker.name == DoesNotExistTest.name {
			failed = append(failed, fmt.Sprintf("%s: present with %v", key, got))
		} else {
			failed = append(failed, fmt.Sprintf("%s: got %v, want %s %v", key, got, rule.Checker.name, rule.Value))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		pretty, _ := reg.MarshalJSONPretty()
		t.Errorf("%s: stats mismatch:\n%s\nregistry:\n%s", tag, strings.Join(failed, "\n"), pretty)
	}
}
