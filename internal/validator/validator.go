// Package validator decides Pass or Fail for raw equipment readings.
//
// Validation is pure: the same readings and thresholds always give the same
// outcome, and a Validator is safe for concurrent use. Malformed readings do
// not produce an error for the caller; they yield a Fail outcome whose notes
// carry the diagnostic.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"atsflow/internal/session/models"
)

// Outcome is the validator's verdict for one sub-result.
type Outcome struct {
	Status     models.SubResultStatus
	Normalized map[string]float64
	Notes      []string
	// Malformed is set when the readings could not be interpreted.
	Malformed bool
}

// ValidationError describes a reading that is missing fields or out of the
// physically valid range.
type ValidationError struct {
	TestType models.TestType
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s reading: %s", e.TestType, e.Reason)
}

// Validator applies a fixed set of thresholds.
type Validator struct {
	t Thresholds
}

// New creates a Validator. Zero-valued sections of t fall back to defaults.
func New(t Thresholds) *Validator {
	return &Validator{t: withDefaults(t)}
}

// Thresholds returns the effective thresholds.
func (v *Validator) Thresholds() Thresholds {
	return v.t
}

// Validate evaluates readings for testType. Non-aggregating tests use the
// last reading; noise and axle use the whole sequence.
func (v *Validator) Validate(testType models.TestType, readings []json.RawMessage) Outcome {
	out, err := v.check(testType, readings)
	if err != nil {
		return Outcome{
			Status:    models.SubResultFail,
			Notes:     []string{err.Error()},
			Malformed: true,
		}
	}
	return out
}

func (v *Validator) check(testType models.TestType, readings []json.RawMessage) (Outcome, error) {
	if len(readings) == 0 {
		return Outcome{}, &ValidationError{TestType: testType, Reason: "no readings"}
	}
	switch testType {
	case models.TestSpeed:
		return v.speed(readings[len(readings)-1])
	case models.TestAcceleration:
		return v.acceleration(readings[len(readings)-1])
	case models.TestBrake:
		return v.brake(readings[len(readings)-1])
	case models.TestHeadlight:
		return v.headlight(readings[len(readings)-1])
	case models.TestVisual:
		return v.visual(readings[len(readings)-1])
	case models.TestNoise:
		return v.noise(readings)
	case models.TestAxle:
		return v.axle(readings)
	default:
		return Outcome{}, &ValidationError{TestType: testType, Reason: "unsupported test type"}
	}
}

// -----------------------------------------------------------------------------
// Per-test checks
// -----------------------------------------------------------------------------

type speedReading struct {
	MaxSpeed     *float64 `json:"max_speed"`
	ActualSpeed  *float64 `json:"actual_speed"`
	TestDuration *float64 `json:"test_duration"`
}

func (v *Validator) speed(raw json.RawMessage) (Outcome, error) {
	var r speedReading
	if err := decode(models.TestSpeed, raw, &r); err != nil {
		return Outcome{}, err
	}
	maxSpeed, err := required(models.TestSpeed, "max_speed", r.MaxSpeed, 0, v.t.Speed.MaxValid)
	if err != nil {
		return Outcome{}, err
	}
	deviation := math.Abs(maxSpeed - v.t.Speed.Target)
	out := newOutcome(map[string]float64{
		"max_speed":     maxSpeed,
		"target_speed":  v.t.Speed.Target,
		"deviation":     deviation,
		"deviation_pct": deviation / v.t.Speed.Target * 100,
	})
	if r.ActualSpeed != nil {
		out.Normalized["actual_speed"] = *r.ActualSpeed
	}
	if deviation > v.t.Speed.Tolerance {
		out.fail("speed deviation %.2f exceeds tolerance %.2f", deviation, v.t.Speed.Tolerance)
	}
	return out.done(), nil
}

type accelerationReading struct {
	Acceleration    *float64 `json:"acceleration"`
	TimeElapsed     *float64 `json:"time_elapsed"`
	DistanceCovered *float64 `json:"distance_covered"`
}

func (v *Validator) acceleration(raw json.RawMessage) (Outcome, error) {
	var r accelerationReading
	if err := decode(models.TestAcceleration, raw, &r); err != nil {
		return Outcome{}, err
	}
	accel, err := required(models.TestAcceleration, "acceleration", r.Acceleration, 0, math.Inf(1))
	if err != nil {
		return Outcome{}, err
	}
	out := newOutcome(map[string]float64{"acceleration": accel})
	if r.TimeElapsed != nil {
		out.Normalized["time_elapsed"] = *r.TimeElapsed
	}
	if r.DistanceCovered != nil {
		out.Normalized["distance_covered"] = *r.DistanceCovered
	}
	if accel < v.t.Acceleration.MinAcceleration {
		out.fail("acceleration %.2f below minimum %.2f", accel, v.t.Acceleration.MinAcceleration)
	}
	return out.done(), nil
}

type brakeReading struct {
	BrakeForce          *float64 `json:"brake_force"`
	ImbalanceFinal      *float64 `json:"imbalance_final"`
	ImbalanceMax        *float64 `json:"imbalance_max"`
	DecelerationStatic  *float64 `json:"deceleration_static"`
	DecelerationDynamic *float64 `json:"deceleration_dynamic"`
}

func (v *Validator) brake(raw json.RawMessage) (Outcome, error) {
	var r brakeReading
	if err := decode(models.TestBrake, raw, &r); err != nil {
		return Outcome{}, err
	}
	t := v.t.Brake
	inf := math.Inf(1)
	force, err := required(models.TestBrake, "brake_force", r.BrakeForce, 0, t.MaxForce)
	if err != nil {
		return Outcome{}, err
	}
	imbFinal, err := required(models.TestBrake, "imbalance_final", r.ImbalanceFinal, 0, 100)
	if err != nil {
		return Outcome{}, err
	}
	imbMax, err := required(models.TestBrake, "imbalance_max", r.ImbalanceMax, 0, 100)
	if err != nil {
		return Outcome{}, err
	}
	decStatic, err := required(models.TestBrake, "deceleration_static", r.DecelerationStatic, 0, inf)
	if err != nil {
		return Outcome{}, err
	}
	decDynamic, err := required(models.TestBrake, "deceleration_dynamic", r.DecelerationDynamic, 0, inf)
	if err != nil {
		return Outcome{}, err
	}

	out := newOutcome(map[string]float64{
		"brake_force":          force,
		"imbalance_final":      imbFinal,
		"imbalance_max":        imbMax,
		"deceleration_static":  decStatic,
		"deceleration_dynamic": decDynamic,
	})
	if imbFinal > t.MaxImbalanceFinal {
		out.fail("final imbalance %.1f%% exceeds %.1f%%", imbFinal, t.MaxImbalanceFinal)
	}
	if imbMax > t.MaxImbalanceMax {
		out.fail("peak imbalance %.1f%% exceeds %.1f%%", imbMax, t.MaxImbalanceMax)
	}
	if decStatic < t.MinDecelerationStatic {
		out.fail("static deceleration %.2f below %.2f", decStatic, t.MinDecelerationStatic)
	}
	if decDynamic < t.MinDecelerationDynamic {
		out.fail("dynamic deceleration %.2f below %.2f", decDynamic, t.MinDecelerationDynamic)
	}
	return out.done(), nil
}

type headlightReading struct {
	Pitch     *float64 `json:"pitch_angle"`
	Yaw       *float64 `json:"yaw_angle"`
	Roll      *float64 `json:"roll_angle"`
	Intensity *float64 `json:"intensity"`
	Glare     *float64 `json:"glare"`
}

func (v *Validator) headlight(raw json.RawMessage) (Outcome, error) {
	var r headlightReading
	if err := decode(models.TestHeadlight, raw, &r); err != nil {
		return Outcome{}, err
	}
	t := v.t.Headlight
	inf := math.Inf(1)
	pitch, err := required(models.TestHeadlight, "pitch_angle", r.Pitch, -90, 90)
	if err != nil {
		return Outcome{}, err
	}
	yaw, err := required(models.TestHeadlight, "yaw_angle", r.Yaw, -90, 90)
	if err != nil {
		return Outcome{}, err
	}
	roll, err := required(models.TestHeadlight, "roll_angle", r.Roll, -90, 90)
	if err != nil {
		return Outcome{}, err
	}
	intensity, err := required(models.TestHeadlight, "intensity", r.Intensity, 0, inf)
	if err != nil {
		return Outcome{}, err
	}
	glare, err := required(models.TestHeadlight, "glare", r.Glare, 0, inf)
	if err != nil {
		return Outcome{}, err
	}

	out := newOutcome(map[string]float64{
		"pitch_angle": pitch,
		"yaw_angle":   yaw,
		"roll_angle":  roll,
		"intensity":   intensity,
		"glare":       glare,
	})
	for _, a := range []struct {
		name  string
		value float64
	}{{"pitch", pitch}, {"yaw", yaw}, {"roll", roll}} {
		if math.Abs(a.value) > t.AngleTolerance {
			out.fail("%s angle %.2f outside ±%.2f", a.name, a.value, t.AngleTolerance)
		}
	}
	if intensity < t.MinIntensity || intensity > t.MaxIntensity {
		out.fail("intensity %.0f outside %.0f..%.0f", intensity, t.MinIntensity, t.MaxIntensity)
	}
	if glare > t.MaxGlare {
		out.fail("glare %.1f exceeds %.1f", glare, t.MaxGlare)
	}
	return out.done(), nil
}

func (v *Validator) visual(raw json.RawMessage) (Outcome, error) {
	var items map[string]string
	if err := decode(models.TestVisual, raw, &items); err != nil {
		return Outcome{}, err
	}
	out := newOutcome(map[string]float64{})
	passed := 0
	for _, item := range v.t.Visual.RequiredItems {
		verdict, ok := items[item]
		switch {
		case !ok:
			return Outcome{}, &ValidationError{TestType: models.TestVisual, Reason: item + " is required"}
		case verdict == "pass":
			passed++
		case verdict == "fail":
			out.fail("%s failed inspection", item)
		default:
			return Outcome{}, &ValidationError{TestType: models.TestVisual, Reason: fmt.Sprintf("%s must be pass or fail, got %q", item, verdict)}
		}
	}
	out.Normalized["items_passed"] = float64(passed)
	out.Normalized["items_total"] = float64(len(v.t.Visual.RequiredItems))
	return out.done(), nil
}

type noiseReading struct {
	Level *float64 `json:"level"`
}

func (v *Validator) noise(readings []json.RawMessage) (Outcome, error) {
	t := v.t.Noise
	if len(readings) < t.MinReadings {
		return Outcome{}, &ValidationError{
			TestType: models.TestNoise,
			Reason:   fmt.Sprintf("need at least %d readings, got %d", t.MinReadings, len(readings)),
		}
	}
	var sum, peak float64
	for _, raw := range readings {
		var r noiseReading
		if err := decode(models.TestNoise, raw, &r); err != nil {
			return Outcome{}, err
		}
		level, err := required(models.TestNoise, "level", r.Level, 0, 200)
		if err != nil {
			return Outcome{}, err
		}
		sum += level
		peak = math.Max(peak, level)
	}
	avg := sum / float64(len(readings))
	reduced := peak
	if t.Policy == NoiseAverage {
		reduced = avg
	}

	out := newOutcome(map[string]float64{
		"average_level": avg,
		"max_level":     peak,
		"level":         reduced,
		"reading_count": float64(len(readings)),
	})
	switch {
	case reduced > t.MaxLevel:
		out.fail("noise level %.1f dB exceeds %.1f dB", reduced, t.MaxLevel)
	case t.WarningLevel > 0 && reduced > t.WarningLevel:
		out.Notes = append(out.Notes, fmt.Sprintf("noise level %.1f dB above warning level %.1f dB", reduced, t.WarningLevel))
	}
	return out.done(), nil
}

type axleReading struct {
	Axle   *int     `json:"axle"`
	Weight *float64 `json:"weight"`
}

func (v *Validator) axle(readings []json.RawMessage) (Outcome, error) {
	t := v.t.Axle
	weights := make(map[int]float64)
	for _, raw := range readings {
		var r axleReading
		if err := decode(models.TestAxle, raw, &r); err != nil {
			return Outcome{}, err
		}
		if r.Axle == nil || *r.Axle < 1 {
			return Outcome{}, &ValidationError{TestType: models.TestAxle, Reason: "axle must be a positive index"}
		}
		w, err := required(models.TestAxle, "weight", r.Weight, 0, math.Inf(1))
		if err != nil {
			return Outcome{}, err
		}
		// A repeated axle index replaces the earlier measurement.
		weights[*r.Axle] = w
	}
	if len(weights) < t.MinReadings {
		return Outcome{}, &ValidationError{
			TestType: models.TestAxle,
			Reason:   fmt.Sprintf("need at least %d axles, got %d", t.MinReadings, len(weights)),
		}
	}

	axles := make([]int, 0, len(weights))
	for a := range weights {
		axles = append(axles, a)
	}
	sort.Ints(axles)

	out := newOutcome(map[string]float64{})
	var total, heaviest float64
	for _, a := range axles {
		w := weights[a]
		total += w
		heaviest = math.Max(heaviest, w)
		out.Normalized[fmt.Sprintf("axle_%d_weight", a)] = w
		if w > t.MaxWeight {
			out.fail("axle %d weight %.0f exceeds %.0f", a, w, t.MaxWeight)
		}
	}
	out.Normalized["total_weight"] = total
	out.Normalized["max_axle_weight"] = heaviest
	out.Normalized["axle_count"] = float64(len(axles))
	return out.done(), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

type outcomeBuilder struct {
	Outcome
	failed bool
}

func newOutcome(normalized map[string]float64) *outcomeBuilder {
	return &outcomeBuilder{Outcome: Outcome{Normalized: normalized}}
}

func (b *outcomeBuilder) fail(format string, args ...any) {
	b.failed = true
	b.Notes = append(b.Notes, fmt.Sprintf(format, args...))
}

func (b *outcomeBuilder) done() Outcome {
	b.Status = models.SubResultPass
	if b.failed {
		b.Status = models.SubResultFail
	}
	return b.Outcome
}

func decode(testType models.TestType, raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &ValidationError{TestType: testType, Reason: "empty reading"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{TestType: testType, Reason: "malformed payload: " + err.Error()}
	}
	return nil
}

func required(testType models.TestType, field string, v *float64, lo, hi float64) (float64, error) {
	if v == nil {
		return 0, &ValidationError{TestType: testType, Reason: field + " is required"}
	}
	x := *v
	if math.IsNaN(x) || x < lo || x > hi {
		return 0, &ValidationError{TestType: testType, Reason: fmt.Sprintf("%s %.2f outside valid range", field, x)}
	}
	return x, nil
}

func withDefaults(t Thresholds) Thresholds {
	d := DefaultThresholds()
	if t.Speed == (SpeedThresholds{}) {
		t.Speed = d.Speed
	}
	if t.Speed.MaxValid == 0 {
		t.Speed.MaxValid = d.Speed.MaxValid
	}
	if t.Acceleration == (AccelerationThresholds{}) {
		t.Acceleration = d.Acceleration
	}
	if t.Brake == (BrakeThresholds{}) {
		t.Brake = d.Brake
	}
	if t.Brake.MaxForce == 0 {
		t.Brake.MaxForce = d.Brake.MaxForce
	}
	if t.Noise.MaxLevel == 0 {
		t.Noise = d.Noise
	}
	if t.Noise.Policy == "" {
		t.Noise.Policy = d.Noise.Policy
	}
	if t.Headlight == (HeadlightThresholds{}) {
		t.Headlight = d.Headlight
	}
	if t.Axle.MaxWeight == 0 {
		t.Axle = d.Axle
	}
	if len(t.Visual.RequiredItems) == 0 {
		t.Visual = d.Visual
	}
	return t
}
