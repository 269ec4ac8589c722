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

package metrics

// The metrics package is a thin layer over prometheus registries for
// collecting and exporting metrics. Collectors register into named groups
// which double as a subsystem prefix in the exposed names, with an optional
// common namespace on top. Groups and individual collectors can be enabled
// or disabled at runtime using glob patterns. Collectors whose metrics are
// produced by scanning tracked allocations can be marked polled. These are
// collected periodically in the background and scrapes are served from the
// last polled result.
//
// Simple Usage
//
//package main
//
//import (
//    "log"
//    "net/http"
//    "os"
//
//    "github.com/intel/memtrack/pkg/alloc"
//    "github.com/intel/memtrack/pkg/metrics"
//    "github.com/prometheus/client_golang/prometheus/collectors"
//    "github.com/prometheus/client_golang/prometheus/promhttp"
//)
//
//func main() {
//    monitor, err := alloc.NewMonitor()
//    if err != nil {
//        log.Fatal(err)
//    }
//
//    metrics.MustRegister(
//        "usage",
//        monitor.Collector(),
//        metrics.WithGroup("sim"),
//    )
//    metrics.MustRegister(
//        "golang",
//        collectors.NewGoCollector(),
//        metrics.WithGroup("standard"),
//    )
//
//    enabled := []string{"*"}
//    if len(os.Args) > 1 {
//        enabled = os.Args[1:]
//    }
//
//    g, err := metrics.NewGatherer(metrics.WithMetrics(enabled, nil))
//    if err != nil {
//        log.Fatal(err)
//    }
//
//    http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
//    log.Fatal(http.ListenAndServe(":8891", nil))
//}
