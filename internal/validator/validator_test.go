package validator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atsflow/internal/session/models"
)

func raws(payloads ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		out[i] = json.RawMessage(p)
	}
	return out
}

func TestValidate(t *testing.T) {
	v := New(DefaultThresholds())

	tests := []struct {
		name     string
		testType models.TestType
		readings []json.RawMessage
		want     models.SubResultStatus
	}{
		{"speed within tolerance", models.TestSpeed, raws(`{"max_speed":61.5,"actual_speed":60,"test_duration":30}`), models.SubResultPass},
		{"speed outside tolerance", models.TestSpeed, raws(`{"max_speed":64}`), models.SubResultFail},
		{"speed uses latest reading", models.TestSpeed, raws(`{"max_speed":70}`, `{"max_speed":60}`), models.SubResultPass},
		{"acceleration above minimum", models.TestAcceleration, raws(`{"acceleration":1.4,"time_elapsed":8,"distance_covered":40}`), models.SubResultPass},
		{"acceleration below minimum", models.TestAcceleration, raws(`{"acceleration":0.4}`), models.SubResultFail},
		{"brake within limits", models.TestBrake, raws(`{"brake_force":800,"imbalance_final":12,"imbalance_max":20,"deceleration_static":6.1,"deceleration_dynamic":6.0}`), models.SubResultPass},
		{"brake imbalance too high", models.TestBrake, raws(`{"brake_force":800,"imbalance_final":35,"imbalance_max":20,"deceleration_static":6.1,"deceleration_dynamic":6.0}`), models.SubResultFail},
		{"brake weak deceleration", models.TestBrake, raws(`{"brake_force":800,"imbalance_final":10,"imbalance_max":10,"deceleration_static":4.0,"deceleration_dynamic":6.0}`), models.SubResultFail},
		{"noise below limit", models.TestNoise, raws(`{"level":70}`, `{"level":72}`, `{"level":71}`), models.SubResultPass},
		{"noise peak above limit", models.TestNoise, raws(`{"level":70}`, `{"level":95}`, `{"level":71}`), models.SubResultFail},
		{"headlight aligned", models.TestHeadlight, raws(`{"pitch_angle":0.5,"yaw_angle":-1,"roll_angle":0,"intensity":400,"glare":10}`), models.SubResultPass},
		{"headlight misaligned", models.TestHeadlight, raws(`{"pitch_angle":3.5,"yaw_angle":0,"roll_angle":0,"intensity":400,"glare":10}`), models.SubResultFail},
		{"headlight too dim", models.TestHeadlight, raws(`{"pitch_angle":0,"yaw_angle":0,"roll_angle":0,"intensity":50,"glare":10}`), models.SubResultFail},
		{"axle weights ok", models.TestAxle, raws(`{"axle":1,"weight":3200}`, `{"axle":2,"weight":4100}`), models.SubResultPass},
		{"axle overweight", models.TestAxle, raws(`{"axle":1,"weight":3200}`, `{"axle":2,"weight":5600}`), models.SubResultFail},
		{"visual all pass", models.TestVisual, raws(`{"number_plate":"pass","reflective_tape":"pass","side_mirrors":"pass"}`), models.SubResultPass},
		{"visual item failed", models.TestVisual, raws(`{"number_plate":"pass","reflective_tape":"fail","side_mirrors":"pass"}`), models.SubResultFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := v.Validate(tt.testType, tt.readings)
			assert.Equal(t, tt.want, out.Status, out.Notes)
			assert.False(t, out.Malformed)
			if tt.want == models.SubResultFail {
				assert.NotEmpty(t, out.Notes)
			}
		})
	}
}

func TestValidateMalformed(t *testing.T) {
	v := New(DefaultThresholds())

	tests := []struct {
		name     string
		testType models.TestType
		readings []json.RawMessage
		contains string
	}{
		{"no readings", models.TestSpeed, nil, "no readings"},
		{"not json", models.TestSpeed, raws(`{max_speed`), "malformed payload"},
		{"missing field", models.TestSpeed, raws(`{"actual_speed":60}`), "max_speed is required"},
		{"negative speed", models.TestSpeed, raws(`{"max_speed":-5}`), "outside valid range"},
		{"impossible speed", models.TestSpeed, raws(`{"max_speed":400}`), "outside valid range"},
		{"brake imbalance over 100", models.TestBrake, raws(`{"brake_force":800,"imbalance_final":140,"imbalance_max":20,"deceleration_static":6,"deceleration_dynamic":6}`), "imbalance_final"},
		{"too few noise readings", models.TestNoise, raws(`{"level":70}`), "at least 3"},
		{"axle without index", models.TestAxle, raws(`{"weight":3000}`, `{"axle":2,"weight":3000}`), "positive index"},
		{"too few axles", models.TestAxle, raws(`{"axle":1,"weight":3000}`, `{"axle":1,"weight":3100}`), "at least 2"},
		{"visual missing item", models.TestVisual, raws(`{"number_plate":"pass"}`), "reflective_tape is required"},
		{"visual bad verdict", models.TestVisual, raws(`{"number_plate":"ok","reflective_tape":"pass","side_mirrors":"pass"}`), "must be pass or fail"},
		{"unknown type", models.TestType("emissions"), raws(`{}`), "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := v.Validate(tt.testType, tt.readings)
			assert.Equal(t, models.SubResultFail, out.Status)
			assert.True(t, out.Malformed)
			require.Len(t, out.Notes, 1)
			assert.Contains(t, out.Notes[0], tt.contains)
		})
	}
}

func TestNoisePolicy(t *testing.T) {
	readings := raws(`{"level":80}`, `{"level":92}`, `{"level":80}`)

	t.Run("max policy fails on the peak", func(t *testing.T) {
		out := New(DefaultThresholds()).Validate(models.TestNoise, readings)
		assert.Equal(t, models.SubResultFail, out.Status)
		assert.InDelta(t, 92, out.Normalized["level"], 0.001)
	})

	t.Run("average policy smooths the peak", func(t *testing.T) {
		th := DefaultThresholds()
		th.Noise.Policy = NoiseAverage
		out := New(th).Validate(models.TestNoise, readings)
		assert.Equal(t, models.SubResultPass, out.Status)
		assert.InDelta(t, 84, out.Normalized["level"], 0.001)
		assert.InDelta(t, 92, out.Normalized["max_level"], 0.001)
	})

	t.Run("warning level adds a note without failing", func(t *testing.T) {
		out := New(DefaultThresholds()).Validate(models.TestNoise, raws(`{"level":86}`, `{"level":87}`, `{"level":85}`))
		assert.Equal(t, models.SubResultPass, out.Status)
		require.Len(t, out.Notes, 1)
		assert.Contains(t, out.Notes[0], "warning level")
	})
}

func TestAxleRepeatedIndexReplacesEarlier(t *testing.T) {
	out := New(DefaultThresholds()).Validate(models.TestAxle,
		raws(`{"axle":1,"weight":6000}`, `{"axle":2,"weight":3000}`, `{"axle":1,"weight":3100}`))

	assert.Equal(t, models.SubResultPass, out.Status)
	assert.InDelta(t, 6100, out.Normalized["total_weight"], 0.001)
	assert.InDelta(t, 2, out.Normalized["axle_count"], 0.001)
}

func TestSpeedNormalized(t *testing.T) {
	out := New(DefaultThresholds()).Validate(models.TestSpeed, raws(`{"max_speed":61}`))

	assert.InDelta(t, 1, out.Normalized["deviation"], 0.001)
	assert.InDelta(t, 60, out.Normalized["target_speed"], 0.001)
}

func TestValidateIsDeterministic(t *testing.T) {
	v := New(DefaultThresholds())
	readings := raws(`{"axle":2,"weight":4000}`, `{"axle":1,"weight":5200}`)

	first := v.Validate(models.TestAxle, readings)
	for range 5 {
		assert.Equal(t, first, v.Validate(models.TestAxle, readings))
	}
}

func TestNewFillsDefaults(t *testing.T) {
	v := New(Thresholds{Speed: SpeedThresholds{Target: 40, Tolerance: 1}})

	got := v.Thresholds()
	assert.InDelta(t, 40, got.Speed.Target, 0.001)
	assert.InDelta(t, 120, got.Speed.MaxValid, 0.001)
	assert.Equal(t, DefaultThresholds().Brake, got.Brake)
	assert.Equal(t, NoiseMax, got.Noise.Policy)
}
