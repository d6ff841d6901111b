package verify

import (
	"strings"

	"github.com/steveyegge/autoloop/internal/types"
)

// Substring signatures of a broken verification harness, matched against
// the lowercased failure output. Order matters only across classes: the
// first class with a hit wins.
var (
	noTestsMatchSignals = []string{
		"no test files",
		"did not match any",
		"filters did not match",
		"no tests found",
		"no specs found",
		"pattern not found",
	}
	testFileMissingSignals = []string{
		"cannot find",
		"no such file",
		"file not found",
		"enoent",
	}
	commandErrorSignals = []string{
		"command not found",
		"unknown command",
		"not recognized",
		"permission denied",
	}
)

// Classify maps a failed verification's output to a FailureClass. Pure
// function: the same input always yields the same class. Anything not
// matching a harness-broken signature is an assertion failure, the only
// class treated as a real regression.
func Classify(output string) types.FailureClass {
	lower := strings.ToLower(output)

	for _, sig := range noTestsMatchSignals {
		if strings.Contains(lower, sig) {
			return types.FailureNoTestsMatch
		}
	}
	for _, sig := range testFileMissingSignals {
		if strings.Contains(lower, sig) {
			return types.FailureTestFileMissing
		}
	}
	for _, sig := range commandErrorSignals {
		if strings.Contains(lower, sig) {
			return types.FailureCommandError
		}
	}
	return types.FailureAssertion
}
