package testutil

import "testing"

// step runs fn as a named subtest whose name starts with the step keyword, so
// `go test -run 'Given_a_tester/When'` selects a single branch of a scenario.
func step(t *testing.T, keyword, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run(keyword+" "+desc, fn)
}

// Given sets up the precondition of a scenario.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Given", desc, fn)
}

// When performs the action under test.
func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "When", desc, fn)
}

// Then checks an outcome of the enclosing When.
func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Then", desc, fn)
}
