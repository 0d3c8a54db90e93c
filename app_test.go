package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/simreg/icp"
	"github.com/kwv/simreg/station"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGrid is an anisotropic grid so that small motions have a unique fit.
func testGrid() *icp.PointBuffer {
	var pts []r3.Vector
	for x := 0; x < 6; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 3; z++ {
				pts = append(pts, r3.Vector{X: float64(x), Y: float64(y) * 1.3, Z: float64(z) * 0.7})
			}
		}
	}
	return icp.BufferFromPositions(pts)
}

// testTruth is the pose that maps the test scan onto testGrid.
func testTruth() icp.SimilarityTransform {
	return icp.Compose(icp.Translation(0.2, -0.1, 0.05), icp.RotationAxisAngle(r3.Vector{Z: 1}, math.Pi/180))
}

func testScan() *icp.PointBuffer {
	return testTruth().Inverse().ApplyTo(testGrid())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeCloud(t *testing.T, path string, b *icp.PointBuffer) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, station.WritePCD(&buf, b))
	writeFile(t, path, buf.String())
	return path
}

// newTestApp returns an App with quiet logging, output captured and all
// files inside a temp dir.
func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	dir := t.TempDir()
	out := &bytes.Buffer{}
	a := NewApp()
	a.Engine = icp.NewEngine(icp.WithLogger(icp.DiscardLogger))
	a.Out = out
	a.ConfigFile = filepath.Join(dir, "config.yaml")
	a.ResultsCache = filepath.Join(dir, "results.json")
	return a, out
}

func connectedPublisher() (*station.Publisher, *station.MockClient) {
	mockClient := station.NewMockClient()
	mockClient.SetConnected(true)
	return station.NewPublisher(mockClient, ""), mockClient
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.Engine)
	assert.NotNil(t, app.Tracker)
	assert.Nil(t, app.Target())
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:   "test-config.yaml",
		SourceFile:   "scan.pcd",
		TargetFile:   "map.pcd",
		OutputFile:   "out.pcd",
		ResultsCache: ".test-cache.json",
		SensorID:     "front",
		HttpPort:     9000,
		MqttMode:     true,
		HttpMode:     true,
	}
	app.ApplyOptions(opts)

	assert.Equal(t, "test-config.yaml", app.ConfigFile)
	assert.Equal(t, "scan.pcd", app.SourceFile)
	assert.Equal(t, "map.pcd", app.TargetFile)
	assert.Equal(t, "out.pcd", app.OutputFile)
	assert.Equal(t, ".test-cache.json", app.ResultsCache)
	assert.Equal(t, "front", app.SensorID)
	assert.Equal(t, 9000, app.HttpPort)
	assert.True(t, app.MqttMode)
	assert.True(t, app.HttpMode)
}

func TestSensorIDFromLocation(t *testing.T) {
	tests := []struct {
		location string
		want     string
	}{
		{"scans/front.pcd", "front"},
		{"rear.json", "rear"},
		{"noext", "noext"},
		{"https://example.com/clouds/top.pcd?v=2", "top"},
		{"http://example.com/", "source"},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			assert.Equal(t, tt.want, sensorIDFromLocation(tt.location))
		})
	}
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "out/aligned.pcd", outputPath("out/aligned.pcd", "front", false))
	assert.Equal(t, "out/aligned-front.pcd", outputPath("out/aligned.pcd", "front", true))
	assert.Equal(t, "aligned-rear", outputPath("aligned", "rear", true))
}

func TestJobs(t *testing.T) {
	config := &station.Config{
		Target: "map.pcd",
		Sensors: []station.SensorConfig{
			{ID: "front", Source: "front.pcd"},
			{ID: "live", Topic: "sensors/live"},
			{ID: "rear", Source: "rear.pcd"},
		},
	}

	tests := []struct {
		name     string
		source   string
		sensorID string
		want     []registrationJob
		wantErr  string
	}{
		{"all sources", "", "", []registrationJob{{"front", "front.pcd"}, {"rear", "rear.pcd"}}, ""},
		{"one sensor", "", "rear", []registrationJob{{"rear", "rear.pcd"}}, ""},
		{"explicit source", "scans/x.pcd", "", []registrationJob{{"x", "scans/x.pcd"}}, ""},
		{"explicit source named", "scans/x.pcd", "front", []registrationJob{{"front", "scans/x.pcd"}}, ""},
		{"unknown sensor", "", "nope", nil, "not in the config"},
		{"topic only sensor", "", "live", nil, "no source cloud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &App{Config: config, SourceFile: tt.source, SensorID: tt.sensorID}
			jobs, err := a.jobs()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, jobs)
		})
	}

	_, err := (&App{Config: &station.Config{}}).jobs()
	assert.Error(t, err, "no sensors with sources")
}

func TestRegistrationConfig_GuessPrecedence(t *testing.T) {
	prior := station.NewResultCache("map.pcd")
	prior.Record(station.NewPoseUpdate("front", &icp.Result{
		Transform: icp.Translation(1, 0, 0),
		State:     icp.ConvergedMSE,
	}, 1))
	prior.Record(station.NewPoseUpdate("rear", &icp.Result{
		Transform: icp.Translation(2, 0, 0),
		State:     icp.ConvergedMSE,
	}, 1))

	a := &App{Config: &station.Config{
		Sensors: []station.SensorConfig{
			{ID: "front", Source: "front.pcd"},
			{ID: "rear", Source: "rear.pcd", InitialGuess: &station.GuessConfig{Translation: [3]float64{0, 5, 0}}},
		},
	}}

	cfg := a.registrationConfig("front", prior)
	assert.True(t, cfg.InitialGuess.ApproxEqual(icp.Translation(1, 0, 0), 1e-12), "cached pose seeds the run")

	cfg = a.registrationConfig("rear", prior)
	assert.True(t, cfg.InitialGuess.ApproxEqual(icp.Translation(0, 5, 0), 1e-12), "configured guess wins")

	cfg = a.registrationConfig("other", prior)
	assert.True(t, cfg.InitialGuess.IsIdentity())

	a.Config.Registration.InitialGuess = &station.GuessConfig{Translation: [3]float64{0, 0, 7}}
	cfg = a.registrationConfig("front", prior)
	assert.True(t, cfg.InitialGuess.ApproxEqual(icp.Translation(0, 0, 7), 1e-12))

	cfg = (&App{}).registrationConfig("front", nil)
	assert.True(t, cfg.InitialGuess.IsIdentity(), "no config and no cache")
}

func TestRunOnce_SourceAndTarget(t *testing.T) {
	a, out := newTestApp(t)
	dir := t.TempDir()
	a.TargetFile = writeCloud(t, filepath.Join(dir, "map.pcd"), testGrid())
	a.SourceFile = writeCloud(t, filepath.Join(dir, "scan.pcd"), testScan())
	a.OutputFile = filepath.Join(dir, "out", "aligned.pcd")

	require.NoError(t, a.RunOnce())
	assert.Contains(t, out.String(), "scan")
	assert.Contains(t, out.String(), "State: converged")
	assert.Contains(t, out.String(), "Footprint centroid offset: 0.0000")

	aligned, err := station.ParseCloudFile(a.OutputFile)
	require.NoError(t, err)
	require.Equal(t, testGrid().Len(), aligned.Len())
	grid := testGrid()
	for i := 0; i < grid.Len(); i++ {
		assert.InDelta(t, 0, aligned.Position(i).Sub(grid.Position(i)).Norm(), 1e-6)
	}

	cache, err := station.LoadResults(a.ResultsCache)
	require.NoError(t, err)
	require.NotNil(t, cache)
	assert.Equal(t, a.TargetFile, cache.Target)
	u, ok := cache.Sensors["scan"]
	require.True(t, ok)
	assert.True(t, u.State.Converged())
	assert.True(t, u.Transform.ApproxEqual(testTruth(), 1e-6), "got %v", u.Transform)
	assert.InDelta(t, 1, u.Overlap, 1e-6)
}

func TestRunOnce_ConfiguredSensorsPublish(t *testing.T) {
	a, out := newTestApp(t)
	dir := t.TempDir()

	config := &station.Config{
		Target: writeCloud(t, filepath.Join(dir, "map.pcd"), testGrid()),
		Sensors: []station.SensorConfig{
			{ID: "front", Source: writeCloud(t, filepath.Join(dir, "front.pcd"), testScan())},
			{ID: "live", Topic: "sensors/live"},
			{ID: "rear", Source: writeCloud(t, filepath.Join(dir, "rear.pcd"), testGrid())},
		},
	}
	require.NoError(t, station.SaveConfig(a.ConfigFile, config))
	a.OutputFile = filepath.Join(dir, "aligned.pcd")

	publisher, mockClient := connectedPublisher()
	a.Publisher = publisher

	require.NoError(t, a.RunOnce())

	assert.FileExists(t, filepath.Join(dir, "aligned-front.pcd"))
	assert.FileExists(t, filepath.Join(dir, "aligned-rear.pcd"))
	assert.NotContains(t, out.String(), "live")

	_, ok := mockClient.LastPublished("simreg/front/pose")
	assert.True(t, ok)
	_, ok = mockClient.LastPublished("simreg/rear/pose")
	assert.True(t, ok)
	_, ok = mockClient.LastPublished("simreg/poses")
	assert.True(t, ok)
}

func TestRunOnce_NotConverged(t *testing.T) {
	a, _ := newTestApp(t)
	dir := t.TempDir()
	a.TargetFile = writeCloud(t, filepath.Join(dir, "map.pcd"), testGrid())
	a.SourceFile = writeCloud(t, filepath.Join(dir, "far.pcd"), icp.Translation(100, 0, 0).ApplyTo(testGrid()))

	err := a.RunOnce()
	assert.ErrorContains(t, err, "1 of 1 registrations did not converge")

	cache, loadErr := station.LoadResults(a.ResultsCache)
	require.NoError(t, loadErr)
	require.NotNil(t, cache)
	assert.Equal(t, icp.FailedNoCorrespondences, cache.Sensors["far"].State)
}

func TestRunOnce_Errors(t *testing.T) {
	t.Run("no target", func(t *testing.T) {
		a, _ := newTestApp(t)
		a.SourceFile = writeCloud(t, filepath.Join(t.TempDir(), "scan.pcd"), testScan())
		assert.ErrorContains(t, a.RunOnce(), "no target cloud")
	})

	t.Run("missing config", func(t *testing.T) {
		a, _ := newTestApp(t)
		assert.ErrorContains(t, a.RunOnce(), "failed to load config")
	})

	t.Run("unreadable target", func(t *testing.T) {
		a, _ := newTestApp(t)
		a.SourceFile = writeCloud(t, filepath.Join(t.TempDir(), "scan.pcd"), testScan())
		a.TargetFile = filepath.Join(t.TempDir(), "missing.pcd")
		assert.ErrorContains(t, a.RunOnce(), "loading target")
	})

	t.Run("invalid registration config", func(t *testing.T) {
		a, _ := newTestApp(t)
		dir := t.TempDir()
		a.Config = &station.Config{Registration: station.RegistrationConfig{MaxIterations: -1}}
		a.TargetFile = writeCloud(t, filepath.Join(dir, "map.pcd"), testGrid())
		a.SourceFile = writeCloud(t, filepath.Join(dir, "scan.pcd"), testScan())
		err := a.RunOnce()
		assert.ErrorIs(t, err, icp.ErrInvalidConfig)
	})
}

func TestRunOnce_StaleCacheTargetIgnored(t *testing.T) {
	a, _ := newTestApp(t)
	dir := t.TempDir()

	stale := station.NewResultCache("other-map.pcd")
	stale.Record(station.NewPoseUpdate("scan", &icp.Result{Transform: icp.Translation(50, 0, 0), State: icp.ConvergedMSE}, 1))
	require.NoError(t, station.SaveResults(a.ResultsCache, stale))

	a.TargetFile = writeCloud(t, filepath.Join(dir, "map.pcd"), testGrid())
	a.SourceFile = writeCloud(t, filepath.Join(dir, "scan.pcd"), testScan())
	require.NoError(t, a.RunOnce(), "a pose cached against another target must not seed the run")

	cache, err := station.LoadResults(a.ResultsCache)
	require.NoError(t, err)
	assert.Equal(t, a.TargetFile, cache.Target)
}

func TestRunOnce_OldCacheIgnored(t *testing.T) {
	a, _ := newTestApp(t)
	dir := t.TempDir()
	a.TargetFile = writeCloud(t, filepath.Join(dir, "map.pcd"), testGrid())
	a.SourceFile = writeCloud(t, filepath.Join(dir, "scan.pcd"), testScan())

	old := station.NewResultCache(a.TargetFile)
	old.Record(station.NewPoseUpdate("scan", &icp.Result{Transform: icp.Translation(50, 0, 0), State: icp.ConvergedMSE}, 1))
	old.LastUpdated = time.Now().Add(-2 * resultCacheMaxAge).Unix()
	data, err := json.Marshal(old)
	require.NoError(t, err)
	writeFile(t, a.ResultsCache, string(data))

	require.NoError(t, a.RunOnce(), "an outdated pose must not seed the run")
}

func TestHandleScan(t *testing.T) {
	a, _ := newTestApp(t)
	publisher, mockClient := connectedPublisher()
	a.Publisher = publisher

	a.handleScan("front", testScan(), nil)
	_, ok := a.Tracker.Get("front")
	assert.False(t, ok, "no target loaded yet")

	a.SetTarget(testGrid())
	a.handleScan("front", nil, assert.AnError)
	_, ok = a.Tracker.Get("front")
	assert.False(t, ok, "decode errors are dropped")

	a.handleScan("front", testScan(), nil)
	u, ok := a.Tracker.Get("front")
	require.True(t, ok)
	assert.True(t, u.State.Converged())
	assert.True(t, u.Transform.ApproxEqual(testTruth(), 1e-6))

	msg, ok := mockClient.LastPublished("simreg/front/pose")
	require.True(t, ok)
	assert.True(t, strings.Contains(string(msg.Payload), `"sensorId":"front"`))
}

func TestRegisterConfiguredSources(t *testing.T) {
	a, _ := newTestApp(t)
	dir := t.TempDir()
	a.Config = &station.Config{
		Target: "map.pcd",
		Sensors: []station.SensorConfig{
			{ID: "front", Source: writeCloud(t, filepath.Join(dir, "front.pcd"), testScan())},
			{ID: "rear", Source: writeCloud(t, filepath.Join(dir, "rear.pcd"), testGrid())},
			{ID: "broken", Source: filepath.Join(dir, "missing.pcd")},
			{ID: "live", Topic: "sensors/live"},
		},
	}

	a.registerConfiguredSources(context.Background(), testGrid())

	assert.Equal(t, []string{"front", "rear"}, a.Tracker.SensorIDs())
	rear, _ := a.Tracker.Get("rear")
	assert.True(t, rear.Transform.ApproxEqual(icp.Identity(), 1e-9))
}
