package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/signalsfoundry/intersection-arbiter/core"
	"github.com/signalsfoundry/intersection-arbiter/internal/observability"
	"github.com/signalsfoundry/intersection-arbiter/internal/traffic"
	"github.com/signalsfoundry/intersection-arbiter/model"
	"github.com/signalsfoundry/intersection-arbiter/timectrl"
)

var (
	// errEmergencyWithoutDemands guards against pinning a road on a random
	// plan, which already carries its own emergency.
	errEmergencyWithoutDemands = errors.New("-emergency-class requires -demands")
	// errEmergencyRoadWithoutClass rejects a road that would otherwise be
	// dropped silently.
	errEmergencyRoadWithoutClass = errors.New("-emergency-road requires -emergency-class")
)

type config struct {
	green          time.Duration
	accelerated    bool
	seed           uint64
	demands        string
	emergencyRoad  int
	emergencyClass string
	metricsAddr    string
	quiet          bool
	tracing        observability.TracingConfig
}

// parseConfig reads flags from args. Tracing flags default to the
// ARBITER_TRACING_* environment. Validation errors are reported on errOut.
func parseConfig(args []string, errOut io.Writer) (config, error) {
	cfg := config{tracing: observability.TracingConfigFromEnv()}
	fs := flag.NewFlagSet("arbiter", flag.ContinueOnError)
	fs.SetOutput(errOut)

	fs.DurationVar(&cfg.green, "green", core.DefaultGreenInterval, "how long each grant holds the green light")
	fs.BoolVar(&cfg.accelerated, "accelerated", false, "simulate green intervals instantly instead of waiting in real time")
	fs.Uint64Var(&cfg.seed, "seed", 0, "seed for the random traffic generator (0 picks one from the clock)")
	fs.StringVar(&cfg.demands, "demands", "", "explicit comma separated demand for roads 0-3, e.g. 12,3,0,7")
	fs.IntVar(&cfg.emergencyRoad, "emergency-road", 0, "road index 0-3 carrying the emergency vehicle (with -emergency-class)")
	fs.StringVar(&cfg.emergencyClass, "emergency-class", "", "ambulance, police or fire_brigade (with -demands); empty for none")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables")
	fs.BoolVar(&cfg.quiet, "quiet", false, "log status as structured lines instead of printing status blocks")

	fs.BoolVar(&cfg.tracing.Enabled, "tracing", cfg.tracing.Enabled, "export a span per grant (env ARBITER_TRACING_ENABLED)")
	fs.StringVar(&cfg.tracing.Exporter, "tracing-exporter", cfg.tracing.Exporter, "span exporter: stdout or otlp (env ARBITER_TRACING_EXPORTER)")
	fs.StringVar(&cfg.tracing.Endpoint, "tracing-endpoint", cfg.tracing.Endpoint, "OTLP gRPC collector address (env ARBITER_OTLP_ENDPOINT)")
	fs.Float64Var(&cfg.tracing.SampleRatio, "tracing-sample-ratio", cfg.tracing.SampleRatio, "fraction of runs traced, 0-1 (env ARBITER_TRACING_SAMPLE_RATIO)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if err := cfg.validate(set); err != nil {
		fmt.Fprintf(errOut, "arbiter: %v\n", err)
		return config{}, err
	}

	if cfg.demands == "" && cfg.seed == 0 {
		cfg.seed = uint64(time.Now().UnixNano())
	}
	return cfg, nil
}

func (c config) validate(set map[string]bool) error {
	if c.green < 0 {
		return fmt.Errorf("-green must not be negative, got %s", c.green)
	}
	if c.demands == "" && c.emergencyClass != "" {
		return errEmergencyWithoutDemands
	}
	if set["emergency-road"] && c.emergencyClass == "" {
		return errEmergencyRoadWithoutClass
	}
	return c.tracing.Validate()
}

func (c config) clockMode() timectrl.Mode {
	if c.accelerated {
		return timectrl.Accelerated
	}
	return timectrl.RealTime
}

// tracingConfig stamps the run's settings onto the tracing config.
func (c config) tracingConfig() observability.TracingConfig {
	tc := c.tracing
	tc.Run = observability.RunInfo{
		ClockMode:     c.clockMode().String(),
		GreenInterval: c.green,
	}
	if c.demands == "" {
		tc.Run.Seed = c.seed
	}
	return tc
}

// generator returns the traffic source selected by c.
func (c config) generator() (core.Generator, error) {
	if c.demands == "" {
		return traffic.NewRandom(c.seed), nil
	}

	demands, err := traffic.ParseDemands(c.demands)
	if err != nil {
		return nil, err
	}
	class, err := model.ParseVehicleClass(c.emergencyClass)
	if err != nil {
		return nil, err
	}
	emergency := model.NoEmergency()
	if class != model.VehicleNone {
		emergency, err = model.NewEmergency(c.emergencyRoad, class)
		if err != nil {
			return nil, err
		}
	}
	return traffic.NewFixed(demands, emergency), nil
}
