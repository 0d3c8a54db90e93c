package station

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kwv/simreg/icp"
)

// DefaultResultsCachePath is the default path for the registration result cache
const DefaultResultsCachePath = ".registration-cache.json"

// ResultCache stores the latest registration result per sensor.
type ResultCache struct {
	Target      string                `json:"target,omitempty"`
	Sensors     map[string]PoseUpdate `json:"sensors"`
	LastUpdated int64                 `json:"lastUpdated"`
}

// LoadResults loads the result cache. A missing file is not an error and
// yields a nil cache.
func LoadResults(path string) (*ResultCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading results file: %w", err)
	}

	var c ResultCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing results file: %w", err)
	}
	if c.Sensors == nil {
		c.Sensors = make(map[string]PoseUpdate)
	}
	return &c, nil
}

// SaveResults writes the result cache, creating its directory if needed.
func SaveResults(path string, c *ResultCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	c.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing results file: %w", err)
	}

	return nil
}

// NewResultCache returns an empty cache for the given target.
func NewResultCache(target string) *ResultCache {
	return &ResultCache{Target: target, Sensors: make(map[string]PoseUpdate)}
}

// Record stores u as the sensor's latest result.
func (c *ResultCache) Record(u PoseUpdate) {
	if c.Sensors == nil {
		c.Sensors = make(map[string]PoseUpdate)
	}
	c.Sensors[u.SensorID] = u
}

// Guess returns the last converged transform of a sensor for seeding the
// next registration. Returns identity and false if there is none.
func (c *ResultCache) Guess(sensorID string) (icp.SimilarityTransform, bool) {
	if c == nil || c.Sensors == nil {
		return icp.Identity(), false
	}
	u, ok := c.Sensors[sensorID]
	if !ok || !u.State.Converged() || !u.Transform.Valid() {
		return icp.Identity(), false
	}
	return u.Transform, true
}

// ResultStatus summarizes which sensors have a usable result
type ResultStatus struct {
	Target     string    `json:"target,omitempty"`
	Registered []string  `json:"registered"`
	Failed     []string  `json:"failed"`
	Missing    []string  `json:"missing"`
	LastUpdate time.Time `json:"lastUpdated"`
}

// Status reports registered, failed and missing sensors among expected.
func (c *ResultCache) Status(expected []string) ResultStatus {
	var status ResultStatus
	if c == nil {
		status.Missing = append(status.Missing, expected...)
		return status
	}

	status.Target = c.Target
	status.LastUpdate = time.Unix(c.LastUpdated, 0)
	for _, id := range expected {
		u, ok := c.Sensors[id]
		switch {
		case !ok:
			status.Missing = append(status.Missing, id)
		case u.State.Converged():
			status.Registered = append(status.Registered, id)
		default:
			status.Failed = append(status.Failed, id)
		}
	}
	sort.Strings(status.Registered)
	sort.Strings(status.Failed)
	sort.Strings(status.Missing)
	return status
}

// Stale reports whether the cache is older than maxAge.
func (c *ResultCache) Stale(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}
