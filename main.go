package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/simreg/station"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile   string
	SourceFile   string
	TargetFile   string
	OutputFile   string
	ResultsCache string
	SensorID     string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool
}

// Runner is what run dispatches to; *App in production.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunOnce() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("simreg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SourceFile, "source", "", "Source cloud (PCD/JSON path or http(s) URL) to register")
	fs.StringVar(&opts.TargetFile, "target", "", "Target cloud (default: target from config)")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the aligned source cloud as PCD to this path")
	fs.StringVar(&opts.ResultsCache, "results", station.DefaultResultsCachePath, "Path to registration result cache")
	fs.StringVar(&opts.SensorID, "sensor", "", "Register only this sensor from the config (or name the -source scan)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode: register scans as they arrive and publish poses")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server with registration and pose endpoints")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "simreg version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}

	if opts.SourceFile != "" || opts.SensorID != "" || fileExists(opts.ConfigFile) {
		return app.RunOnce()
	}

	fmt.Fprintln(out, "Nothing to register.")
	fmt.Fprintln(out, "Use --source=scan.pcd --target=map.pcd to register one cloud")
	fmt.Fprintln(out, "Use --config=config.yaml to register every configured sensor")
	fmt.Fprintln(out, "Use --sensor=ID to register a single configured sensor")
	fmt.Fprintln(out, "Use --mqtt to register scans streamed over MQTT")
	fmt.Fprintln(out, "Use --http to serve the registration API")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - target, sensors, registration and MQTT settings")
	fmt.Fprintln(out, "  .registration-cache.json - last pose per sensor, used to seed the next run")
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
