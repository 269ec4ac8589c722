// Copyright The Memtrack Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/intel/memtrack/pkg/config"
	"github.com/intel/memtrack/pkg/healthz"
	"github.com/intel/memtrack/pkg/instrumentation"

	logger "github.com/intel/memtrack/pkg/log"
	version "github.com/intel/memtrack/pkg/version"

	_ "github.com/intel/memtrack/pkg/metrics/collectors"
)

var log = logger.Default()

func main() {
	rate := logger.Rate{Limit: logger.Every(1 * time.Minute)}
	logger.SetGrpcLogger("grpc", &rate)
	logger.SetStdLogger("stdlog")
	logger.SetSlogLogger("slog")

	var (
		configFile   = flag.String("config", "", "Configuration file to read.")
		httpEndpoint = flag.String("http-endpoint", "", "Override the instrumentation HTTP endpoint.")
		printConfig  = flag.Bool("print-config", false, "Print the effective configuration and exit.")
	)
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		log.Error("unknown command line arguments: %s", strings.Join(args, ","))
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile, *httpEndpoint)
	if err != nil {
		log.Fatal("failed to load configuration: %v", err)
	}

	if *printConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal("failed to marshal configuration: %v", err)
		}
		fmt.Printf("%s", data)
		os.Exit(0)
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		log.Warn("failed to configure logger: %v", err)
	}

	logger.Flush()
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
	log.Info("memtrack-sim (version %s, build %s) starting...", version.Version, version.Build)

	sim, err := newSimulator(cfg)
	if err != nil {
		log.Fatal("failed to create simulator: %v", err)
	}

	if err := instrumentation.Reconfigure(&cfg.Instrumentation); err != nil {
		log.Fatal("failed to set up instrumentation: %v", err)
	}
	if err := sim.enableActivityMetrics(); err != nil {
		log.Fatal("failed to enable activity metrics: %v", err)
	}

	healthz.Setup(instrumentation.HTTPServer().GetMux())
	healthz.RegisterHealthChecker("workload", sim.checkHealth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = sim.Run(ctx)
	stop()
	instrumentation.Stop()

	if err != nil {
		log.Fatal("simulator failed: %v", err)
	}
	log.Info("memtrack-sim done")
}

// loadConfig reads the given configuration file, or takes the defaults
// if no file is given, and applies any command line overrides.
func loadConfig(path, httpEndpoint string) (*config.Config, error) {
	cfg := config.Default()

	if path != "" {
		var err error
		cfg, err = config.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	if httpEndpoint != "" {
		cfg.Instrumentation.HTTPEndpoint = httpEndpoint
	}

	return cfg, nil
}
