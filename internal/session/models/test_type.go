package models

import dErrors "atsflow/pkg/domain-errors"

// TestType is one kind of fitness test.
type TestType string

const (
	TestVisual       TestType = "visual"
	TestSpeed        TestType = "speed"
	TestAcceleration TestType = "acceleration"
	TestBrake        TestType = "brake"
	TestNoise        TestType = "noise"
	TestHeadlight    TestType = "headlight"
	TestAxle         TestType = "axle"
)

// DefaultTestOrder is the execution order used when a centre has no profile.
var DefaultTestOrder = []TestType{
	TestVisual,
	TestSpeed,
	TestAcceleration,
	TestBrake,
	TestNoise,
	TestHeadlight,
	TestAxle,
}

// ParseTestType validates s at a trust boundary.
func ParseTestType(s string) (TestType, error) {
	t := TestType(s)
	if !t.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown test type %q", s)
	}
	return t, nil
}

func (t TestType) IsValid() bool {
	for _, known := range DefaultTestOrder {
		if t == known {
			return true
		}
	}
	return false
}

// Aggregates reports whether the test collects a sequence of readings that
// ends with a closing marker, rather than keeping only the latest reading.
func (t TestType) Aggregates() bool {
	return t == TestNoise || t == TestAxle
}

// SubResultStatus is the outcome of one test.
type SubResultStatus string

const (
	SubResultPending      SubResultStatus = "pending"
	SubResultPass         SubResultStatus = "pass"
	SubResultFail         SubResultStatus = "fail"
	SubResultInconclusive SubResultStatus = "inconclusive"
)

// IsFinal reports whether the status is a decided Pass or Fail. Final
// sub-results are immutable until a retest cycle resets them.
func (s SubResultStatus) IsFinal() bool {
	return s == SubResultPass || s == SubResultFail
}
