package station

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/simreg/icp"
)

// Config represents the full configuration file
type Config struct {
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Target       string             `yaml:"target" json:"target"` // map cloud path or http(s) URL
	Sensors      []SensorConfig     `yaml:"sensors" json:"sensors"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SensorConfig describes one sensor whose scans are registered against the target.
type SensorConfig struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source,omitempty" json:"source,omitempty"` // scan path or http(s) URL
	Topic  string `yaml:"topic,omitempty" json:"topic,omitempty"`   // MQTT topic carrying scans
	// InitialGuess overrides the registration-wide guess for this sensor.
	InitialGuess *GuessConfig `yaml:"initialGuess,omitempty" json:"initialGuess,omitempty"`
}

// GuessConfig is a similarity transform written the way people think about
// mounting offsets: axis/angle, translation and scale.
type GuessConfig struct {
	Axis         [3]float64 `yaml:"axis,omitempty" json:"axis,omitempty"`
	AngleDegrees float64    `yaml:"angleDegrees,omitempty" json:"angleDegrees,omitempty"`
	Translation  [3]float64 `yaml:"translation,omitempty" json:"translation,omitempty"`
	Scale        float64    `yaml:"scale,omitempty" json:"scale,omitempty"` // 0 means 1
}

// Transform converts the guess to a similarity transform.
func (g *GuessConfig) Transform() icp.SimilarityTransform {
	if g == nil {
		return icp.Identity()
	}
	t := icp.RotationAxisAngle(r3.Vector{X: g.Axis[0], Y: g.Axis[1], Z: g.Axis[2]}, g.AngleDegrees*math.Pi/180)
	t.Translation = r3.Vector{X: g.Translation[0], Y: g.Translation[1], Z: g.Translation[2]}
	if g.Scale != 0 {
		t.Scale = g.Scale
	}
	return t
}

// RegistrationConfig is the YAML form of icp.Config. Zero values keep the
// engine defaults.
type RegistrationConfig struct {
	MaxIterations             int                  `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	RelativeMSE               float64              `yaml:"relativeMse,omitempty" json:"relativeMse,omitempty"`
	TranslationThreshold      float64              `yaml:"translationThreshold,omitempty" json:"translationThreshold,omitempty"`
	RotationThreshold         *float64             `yaml:"rotationThreshold,omitempty" json:"rotationThreshold,omitempty"`
	MaxCorrespondenceDistance float64              `yaml:"maxCorrespondenceDistance,omitempty" json:"maxCorrespondenceDistance,omitempty"`
	MinCorrespondences        int                  `yaml:"minCorrespondences,omitempty" json:"minCorrespondences,omitempty"`
	UseReciprocal             bool                 `yaml:"useReciprocal,omitempty" json:"useReciprocal,omitempty"`
	FixScale                  bool                 `yaml:"fixScale,omitempty" json:"fixScale,omitempty"`
	InitialGuess              *GuessConfig         `yaml:"initialGuess,omitempty" json:"initialGuess,omitempty"`
	Rejectors                 []icp.RejectorConfig `yaml:"rejectors,omitempty" json:"rejectors,omitempty"`
}

// PoseUpdate is the published outcome of registering one sensor scan.
type PoseUpdate struct {
	SensorID        string                  `json:"sensorId"`
	Transform       icp.SimilarityTransform `json:"transform"`
	Translation     [3]float64              `json:"translation"`
	RotationDegrees float64                 `json:"rotationDegrees"`
	Scale           float64                 `json:"scale"`
	State           icp.ConvergenceState    `json:"state"`
	Iterations      int                     `json:"iterations"`
	MSE             float64                 `json:"mse"`
	Correspondences int                     `json:"correspondences"`
	Overlap         float64                 `json:"overlap"` // XY footprint IoU of aligned scan and target
	Timestamp       int64                   `json:"timestamp"`
}

// NewPoseUpdate summarizes a registration result.
func NewPoseUpdate(sensorID string, res *icp.Result, overlap float64) PoseUpdate {
	tr := res.Transform.Translation
	return PoseUpdate{
		SensorID:        sensorID,
		Transform:       res.Transform,
		Translation:     [3]float64{tr.X, tr.Y, tr.Z},
		RotationDegrees: res.Transform.RotationAngle() * 180 / math.Pi,
		Scale:           res.Transform.Scale,
		State:           res.State,
		Iterations:      res.Iterations,
		MSE:             res.MSE,
		Correspondences: res.Correspondences,
		Overlap:         overlap,
		Timestamp:       time.Now().Unix(),
	}
}
