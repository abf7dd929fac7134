package validator

// NoisePolicy selects how a noise sequence is reduced to one level.
type NoisePolicy string

const (
	NoiseMax     NoisePolicy = "max"
	NoiseAverage NoisePolicy = "average"
)

// Thresholds are the pass/fail bounds per test type.
type Thresholds struct {
	Speed        SpeedThresholds        `mapstructure:"speed" yaml:"speed"`
	Acceleration AccelerationThresholds `mapstructure:"acceleration" yaml:"acceleration"`
	Brake        BrakeThresholds        `mapstructure:"brake" yaml:"brake"`
	Noise        NoiseThresholds        `mapstructure:"noise" yaml:"noise"`
	Headlight    HeadlightThresholds    `mapstructure:"headlight" yaml:"headlight"`
	Axle         AxleThresholds         `mapstructure:"axle" yaml:"axle"`
	Visual       VisualThresholds       `mapstructure:"visual" yaml:"visual"`
}

type SpeedThresholds struct {
	Target    float64 `mapstructure:"target" yaml:"target"`
	Tolerance float64 `mapstructure:"tolerance" yaml:"tolerance"`
	MaxValid  float64 `mapstructure:"max_valid" yaml:"max_valid"`
}

type AccelerationThresholds struct {
	MinAcceleration float64 `mapstructure:"min_acceleration" yaml:"min_acceleration"`
}

type BrakeThresholds struct {
	MaxForce               float64 `mapstructure:"max_force" yaml:"max_force"`
	MaxImbalanceFinal      float64 `mapstructure:"max_imbalance_final" yaml:"max_imbalance_final"`
	MaxImbalanceMax        float64 `mapstructure:"max_imbalance_max" yaml:"max_imbalance_max"`
	MinDecelerationStatic  float64 `mapstructure:"min_deceleration_static" yaml:"min_deceleration_static"`
	MinDecelerationDynamic float64 `mapstructure:"min_deceleration_dynamic" yaml:"min_deceleration_dynamic"`
}

type NoiseThresholds struct {
	MaxLevel     float64     `mapstructure:"max_level" yaml:"max_level"`
	WarningLevel float64     `mapstructure:"warning_level" yaml:"warning_level"`
	MinReadings  int         `mapstructure:"min_readings" yaml:"min_readings"`
	Policy       NoisePolicy `mapstructure:"policy" yaml:"policy"`
}

type HeadlightThresholds struct {
	AngleTolerance float64 `mapstructure:"angle_tolerance" yaml:"angle_tolerance"`
	MinIntensity   float64 `mapstructure:"min_intensity" yaml:"min_intensity"`
	MaxIntensity   float64 `mapstructure:"max_intensity" yaml:"max_intensity"`
	MaxGlare       float64 `mapstructure:"max_glare" yaml:"max_glare"`
}

type AxleThresholds struct {
	MaxWeight   float64 `mapstructure:"max_weight" yaml:"max_weight"`
	MinReadings int     `mapstructure:"min_readings" yaml:"min_readings"`
}

type VisualThresholds struct {
	RequiredItems []string `mapstructure:"required_items" yaml:"required_items"`
}

// DefaultThresholds returns the bounds used when configuration is silent.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Speed: SpeedThresholds{
			Target:    60,
			Tolerance: 2.0,
			MaxValid:  120,
		},
		Acceleration: AccelerationThresholds{
			MinAcceleration: 1.0,
		},
		Brake: BrakeThresholds{
			MaxForce:               1000,
			MaxImbalanceFinal:      30,
			MaxImbalanceMax:        30,
			MinDecelerationStatic:  5.8,
			MinDecelerationDynamic: 5.8,
		},
		Noise: NoiseThresholds{
			MaxLevel:     90,
			WarningLevel: 85,
			MinReadings:  3,
			Policy:       NoiseMax,
		},
		Headlight: HeadlightThresholds{
			AngleTolerance: 2.0,
			MinIntensity:   100,
			MaxIntensity:   1000,
			MaxGlare:       50,
		},
		Axle: AxleThresholds{
			MaxWeight:   5000,
			MinReadings: 2,
		},
		Visual: VisualThresholds{
			RequiredItems: []string{"number_plate", "reflective_tape", "side_mirrors"},
		},
	}
}
