package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/simreg/icp"
	"github.com/kwv/simreg/station"
	"golang.org/x/sync/errgroup"
)

const (
	// publisherConnectTimeout bounds how long a one-shot run waits for the broker.
	publisherConnectTimeout = 10 * time.Second
	// resultCacheMaxAge is how long cached poses may seed a one-shot run.
	resultCacheMaxAge = 30 * 24 * time.Hour
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *station.Config
	Engine     *icp.Engine
	Tracker    *station.PoseTracker
	MQTTClient *station.MQTTClient
	Publisher  *station.Publisher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	SourceFile   string
	TargetFile   string
	OutputFile   string
	ResultsCache string
	SensorID     string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool

	FetchOptions []station.FetchOption

	mu     sync.RWMutex
	target *icp.PointBuffer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Engine:  icp.NewEngine(),
		Tracker: station.NewPoseTracker(),
		Out:     os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SourceFile = opts.SourceFile
	a.TargetFile = opts.TargetFile
	a.OutputFile = opts.OutputFile
	a.ResultsCache = opts.ResultsCache
	a.SensorID = opts.SensorID
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// SetTarget replaces the cloud that incoming scans are registered against.
func (a *App) SetTarget(target *icp.PointBuffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = target
}

// Target returns the loaded target cloud, or nil.
func (a *App) Target() *icp.PointBuffer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.target
}

func (a *App) config() *station.Config {
	if a.Config == nil {
		return &station.Config{}
	}
	return a.Config
}

// loadConfig reads ConfigFile unless a config is already set. When required
// is false a missing file yields an empty config.
func (a *App) loadConfig(required bool) error {
	if a.Config != nil {
		return nil
	}
	if !required && !fileExists(a.ConfigFile) {
		a.Config = &station.Config{}
		return nil
	}
	config, err := station.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", a.ConfigFile, err)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	a.Config = config
	return nil
}

func (a *App) targetLocation() (string, error) {
	if a.TargetFile != "" {
		return a.TargetFile, nil
	}
	if target := a.config().Target; target != "" {
		return target, nil
	}
	return "", errors.New("no target cloud: pass --target or set target in the config")
}

// registrationJob is one source cloud to register against the target
type registrationJob struct {
	SensorID string
	Source   string
}

// jobs lists what a one-shot run registers: the -source cloud, the -sensor
// from the config, or every configured sensor with a source.
func (a *App) jobs() ([]registrationJob, error) {
	if a.SourceFile != "" {
		id := a.SensorID
		if id == "" {
			id = sensorIDFromLocation(a.SourceFile)
		}
		return []registrationJob{{SensorID: id, Source: a.SourceFile}}, nil
	}

	config := a.config()
	if a.SensorID != "" {
		sc := config.GetSensorByID(a.SensorID)
		if sc == nil {
			return nil, fmt.Errorf("sensor %q is not in the config", a.SensorID)
		}
		if sc.Source == "" {
			return nil, fmt.Errorf("sensor %q has no source cloud; topic-only sensors need --mqtt", a.SensorID)
		}
		return []registrationJob{{SensorID: sc.ID, Source: sc.Source}}, nil
	}

	var jobs []registrationJob
	for _, sc := range config.Sensors {
		if sc.Source != "" {
			jobs = append(jobs, registrationJob{SensorID: sc.ID, Source: sc.Source})
		}
	}
	if len(jobs) == 0 {
		return nil, errors.New("no sensor with a source cloud configured")
	}
	return jobs, nil
}

// sensorIDFromLocation names an ad-hoc scan after its file name.
func sensorIDFromLocation(location string) string {
	if station.IsURL(location) {
		if u, err := url.Parse(location); err == nil {
			location = u.Path
		}
	}
	base := filepath.Base(location)
	if id := strings.TrimSuffix(base, filepath.Ext(base)); id != "" && id != "." && id != "/" {
		return id
	}
	return "source"
}

// registrationConfig builds the engine config for a sensor. Without a guess
// in the config the last converged pose in prior seeds the run.
func (a *App) registrationConfig(sensorID string, prior *station.ResultCache) icp.Config {
	config := a.config()
	cfg := config.EngineConfig(sensorID)

	if config.Registration.InitialGuess != nil {
		return cfg
	}
	if sc := config.GetSensorByID(sensorID); sc != nil && sc.InitialGuess != nil {
		return cfg
	}
	if guess, ok := prior.Guess(sensorID); ok {
		log.Printf("%s: seeding registration with last converged pose", sensorID)
		cfg.InitialGuess = guess
	}
	return cfg
}

// register aligns source to target and summarizes the outcome. The error is
// non-nil only for invalid configuration or cancellation.
func (a *App) register(ctx context.Context, sensorID string, source, target *icp.PointBuffer, cfg icp.Config) (*icp.Result, station.PoseUpdate, error) {
	res, err := a.Engine.RegisterContext(ctx, source, target, cfg)
	if err != nil {
		return nil, station.PoseUpdate{}, fmt.Errorf("registering %s: %w", sensorID, err)
	}
	overlap := station.FootprintOverlap(res.Aligned, target)
	return res, station.NewPoseUpdate(sensorID, res, overlap), nil
}

// recordPose stores a pose for HTTP and publishes it over MQTT.
func (a *App) recordPose(u station.PoseUpdate) {
	a.Tracker.Update(u)
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishPose(u); err != nil {
		log.Printf("Error publishing pose for %s: %v", u.SensorID, err)
	}
}

// RunOnce registers the selected source clouds, prints a report, writes the
// aligned clouds and updates the result cache.
func (a *App) RunOnce() error {
	if err := a.loadConfig(a.SourceFile == ""); err != nil {
		return err
	}
	jobs, err := a.jobs()
	if err != nil {
		return err
	}
	targetLoc, err := a.targetLocation()
	if err != nil {
		return err
	}

	ctx := context.Background()
	target, err := station.LoadCloud(ctx, targetLoc, a.FetchOptions...)
	if err != nil {
		return fmt.Errorf("loading target %s: %w", targetLoc, err)
	}
	fmt.Fprintf(a.Out, "Target: %s (%d points, %d valid)\n\n", targetLoc, target.Len(), target.ValidCount())

	cache, err := station.LoadResults(a.ResultsCache)
	if err != nil {
		log.Printf("Warning: Failed to load result cache %s: %v", a.ResultsCache, err)
	}
	switch {
	case cache == nil:
	case cache.Target != targetLoc:
		log.Printf("Result cache %s refers to target %q; starting fresh", a.ResultsCache, cache.Target)
		cache = nil
	case cache.Stale(resultCacheMaxAge):
		log.Printf("Result cache %s is older than %v; starting fresh", a.ResultsCache, resultCacheMaxAge)
		cache = nil
	}
	if cache == nil {
		cache = station.NewResultCache(targetLoc)
	}

	a.connectPublisher()
	if a.MQTTClient != nil {
		defer a.MQTTClient.Disconnect()
	}

	fmt.Fprintln(a.Out, "Running registration...")
	fmt.Fprintln(a.Out, strings.Repeat("-", 60))

	notConverged := 0
	for _, job := range jobs {
		source, err := station.LoadCloud(ctx, job.Source, a.FetchOptions...)
		if err != nil {
			fmt.Fprintf(a.Out, "%-20s: failed to load %s: %v\n", job.SensorID, job.Source, err)
			notConverged++
			continue
		}

		res, update, err := a.register(ctx, job.SensorID, source, target, a.registrationConfig(job.SensorID, cache))
		if err != nil {
			return err
		}
		printReport(a.Out, job, source, update)
		if offset, ok := station.FootprintCentroidOffset(res.Aligned, target); ok {
			fmt.Fprintf(a.Out, "  Footprint centroid offset: %.4f\n", offset)
		}
		if !res.Converged() {
			notConverged++
		}
		cache.Record(update)

		if a.OutputFile != "" {
			path := outputPath(a.OutputFile, job.SensorID, len(jobs) > 1)
			if err := writeAligned(path, res.Aligned); err != nil {
				return err
			}
			fmt.Fprintf(a.Out, "  Aligned cloud written to %s\n", path)
		}

		if a.Publisher != nil {
			if err := a.Publisher.PublishPose(update); err != nil {
				log.Printf("Error publishing pose for %s: %v", job.SensorID, err)
			}
		}
	}

	fmt.Fprintln(a.Out, strings.Repeat("-", 60))
	if a.ResultsCache != "" {
		fmt.Fprintf(a.Out, "Saving result cache to %s\n", a.ResultsCache)
		if err := station.SaveResults(a.ResultsCache, cache); err != nil {
			log.Printf("Warning: Failed to save result cache: %v", err)
		}
	}

	if notConverged > 0 {
		return fmt.Errorf("%d of %d registrations did not converge", notConverged, len(jobs))
	}
	return nil
}

// connectPublisher connects to the configured broker for a one-shot run.
// Poses are only printed if no broker is reachable.
func (a *App) connectPublisher() {
	if a.Publisher != nil {
		return
	}
	client, err := station.InitMQTT(a.config(), nil)
	if err != nil {
		log.Printf("Warning: MQTT unavailable: %v", err)
		return
	}
	if client == nil {
		return
	}

	deadline := time.Now().Add(publisherConnectTimeout)
	for !client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if !client.IsConnected() {
		log.Printf("Warning: MQTT broker not reachable within %v; poses will not be published", publisherConnectTimeout)
		return
	}

	a.MQTTClient = client
	a.Publisher = station.NewPublisher(client.Client(), a.config().MQTT.PublishPrefix)
}

func printReport(out io.Writer, job registrationJob, source *icp.PointBuffer, u station.PoseUpdate) {
	fmt.Fprintf(out, "%-20s: %s (%d points)\n", job.SensorID, job.Source, source.Len())
	fmt.Fprintf(out, "  State: %s after %d iterations\n", u.State, u.Iterations)
	fmt.Fprintf(out, "  MSE: %.6g over %d correspondences\n", u.MSE, u.Correspondences)
	fmt.Fprintf(out, "  Rotation: %.3f°  Scale: %.5f\n", u.RotationDegrees, u.Scale)
	fmt.Fprintf(out, "  Translation: (%.4f, %.4f, %.4f)\n", u.Translation[0], u.Translation[1], u.Translation[2])
	fmt.Fprintf(out, "  Footprint overlap: %.1f%%\n", u.Overlap*100)
}

// outputPath returns path itself for a single job and path with the sensor ID
// spliced in before the extension otherwise.
func outputPath(path, sensorID string, multi bool) string {
	if !multi {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + sensorID + ext
}

func writeAligned(path string, cloud *icp.PointBuffer) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	if err := station.WritePCD(f, cloud); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// handleScan registers a scan that arrived over MQTT
func (a *App) handleScan(sensorID string, cloud *icp.PointBuffer, err error) {
	if err != nil {
		log.Printf("Error receiving scan for %s: %v", sensorID, err)
		return
	}
	target := a.Target()
	if target == nil {
		log.Printf("%s: no target cloud loaded, dropping scan", sensorID)
		return
	}

	cfg := a.registrationConfig(sensorID, a.Tracker.Cache())
	_, update, err := a.register(context.Background(), sensorID, cloud, target, cfg)
	if err != nil {
		log.Printf("Error %v", err)
		return
	}
	log.Printf("%s: %s after %d iterations, mse=%.6g, overlap=%.2f",
		sensorID, update.State, update.Iterations, update.MSE, update.Overlap)
	a.recordPose(update)
}

// registerConfiguredSources registers every sensor that has a source cloud so
// their poses are available before the first streamed scan.
func (a *App) registerConfiguredSources(ctx context.Context, target *icp.PointBuffer) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, sc := range a.config().Sensors {
		if sc.Source == "" {
			continue
		}
		g.Go(func() error {
			source, err := station.LoadCloud(ctx, sc.Source, a.FetchOptions...)
			if err != nil {
				log.Printf("Warning: Failed to load %s for %s: %v", sc.Source, sc.ID, err)
				return nil
			}
			cfg := a.registrationConfig(sc.ID, a.Tracker.Cache())
			_, update, err := a.register(ctx, sc.ID, source, target, cfg)
			if err != nil {
				log.Printf("Error %v", err)
				return nil
			}
			log.Printf("%s: initial registration %s (%d iterations)", sc.ID, update.State, update.Iterations)
			a.recordPose(update)
			return nil
		})
	}
	_ = g.Wait()
}

// RunService runs MQTT and/or HTTP until interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting simreg service...")

	if err := a.loadConfig(true); err != nil {
		return err
	}
	targetLoc, err := a.targetLocation()
	if err != nil {
		return err
	}

	a.Tracker = station.NewPoseTrackerWithCache(a.ResultsCache)
	if prev := a.Tracker.Cache().Target; prev != "" && prev != targetLoc {
		log.Printf("Warning: cached poses refer to target %q, now registering against %q", prev, targetLoc)
	}
	a.Tracker.SetTarget(targetLoc)

	target, err := station.LoadCloud(context.Background(), targetLoc, a.FetchOptions...)
	if err != nil {
		return fmt.Errorf("loading target %s: %w", targetLoc, err)
	}
	a.SetTarget(target)
	log.Printf("Loaded target %s (%d points)", targetLoc, target.Len())

	if a.MqttMode {
		client, err := station.InitMQTT(a.Config, a.handleScan)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = client
		a.Publisher = station.NewPublisher(client.Client(), a.Config.MQTT.PublishPrefix)
		fmt.Fprintln(a.Out, "MQTT pose publisher initialized")
	}

	a.registerConfiguredSources(context.Background(), target)

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.HttpPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			fmt.Fprintf(a.Out, "HTTP server starting on %s\n", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MqttMode {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, sc := range a.Config.Sensors {
			if sc.Topic != "" {
				fmt.Fprintf(a.Out, "    - %s (%s)\n", sc.Topic, sc.ID)
			}
		}
		prefix := a.Publisher.Prefix()
		fmt.Fprintf(a.Out, "  Publishing to: %s/{sensorID}/pose\n", prefix)
		fmt.Fprintf(a.Out, "  Combined poses: %s/poses\n", prefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /healthz              - Health check")
		fmt.Fprintln(a.Out, "  GET  /api/poses            - Latest pose per sensor")
		fmt.Fprintln(a.Out, "  GET  /api/poses/{sensor}   - Latest pose of one sensor")
		fmt.Fprintln(a.Out, "  POST /api/register         - Register a JSON source cloud")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
