// Copyright 2021 Intel Corporation. All Rights Reserved.
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

// Package instrumentation wires haywire's discovery phases to OpenCensus
// tracing (exported to Jaeger) and to Prometheus metrics. Both are optional:
// a zero-value Options leaves Setup a no-op and StartSpan a cheap passthrough,
// so discovery never depends on an exporter being reachable.
package instrumentation

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"contrib.go.opencensus.io/exporter/jaeger"
	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"google.golang.org/grpc"

	"github.com/haywire-project/haywire/pkg/log"
)

var instLog = log.Get("instrumentation")

// Options configures tracing and metrics export.
type Options struct {
	// Service names the process in trace/metric output ("haywire").
	Service string
	// Sampling is the OpenCensus trace sampling probability, 0 disables tracing.
	Sampling float64
	// JaegerAgent is a host:port Jaeger agent endpoint; empty disables export.
	JaegerAgent string
	// JaegerCollector is a Jaeger HTTP collector URL; empty disables export.
	JaegerCollector string
	// PrometheusAddr is the listen address for the /metrics endpoint; empty disables it.
	PrometheusAddr string
}

var (
	mu       sync.Mutex
	opt      Options
	shutdown = func() {}
)

// Setup installs trace/metrics exporters per opt. Safe to call with a
// zero-value Options, in which case it is a no-op.
func Setup(o Options) error {
	mu.Lock()
	defer mu.Unlock()
	opt = o

	if opt.Sampling > 0 {
		sampler := trace.ProbabilitySampler(opt.Sampling)
		if opt.Sampling >= 1 {
			sampler = trace.AlwaysSample()
		}
		trace.ApplyConfig(trace.Config{DefaultSampler: sampler})
	}

	var stops []func()

	if opt.JaegerAgent != "" || opt.JaegerCollector != "" {
		je, err := jaeger.NewExporter(jaeger.Options{
			ServiceName:       opt.Service,
			AgentEndpoint:     opt.JaegerAgent,
			CollectorEndpoint: opt.JaegerCollector,
			Process:           jaeger.Process{ServiceName: opt.Service},
			OnError:           func(err error) { instLog.Errorf("jaeger: %v", err) },
		})
		if err != nil {
			return err
		}
		trace.RegisterExporter(je)
		stops = append(stops, func() { trace.UnregisterExporter(je); je.Flush() })

		if err := view.Register(ocgrpc.DefaultClientViews...); err != nil {
			return err
		}
		if err := view.Register(ocgrpc.DefaultServerViews...); err != nil {
			return err
		}
	}

	if opt.PrometheusAddr != "" {
		pe, err := prometheus.NewExporter(prometheus.Options{
			Namespace: prometheusNamespace(opt.Service),
			OnError:   func(err error) { instLog.Errorf("prometheus: %v", err) },
		})
		if err != nil {
			return err
		}
		view.RegisterExporter(pe)
		view.SetReportingPeriod(5 * time.Second)

		mux := http.NewServeMux()
		mux.Handle("/metrics", pe)
		srv := &http.Server{Addr: opt.PrometheusAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				instLog.Errorf("prometheus metrics server: %v", err)
			}
		}()
		stops = append(stops, func() { _ = srv.Close(); view.UnregisterExporter(pe) })
	}

	shutdown = func() {
		for _, stop := range stops {
			stop()
		}
	}
	return nil
}

// Finish shuts down any installed exporters.
func Finish() {
	mu.Lock()
	stop := shutdown
	mu.Unlock()
	stop()
}

// StartSpan starts a trace span for one discovery phase. Cheap and safe to
// call even when tracing was never set up — OpenCensus no-ops internally.
func StartSpan(ctx context.Context, name string) (context.Context, *trace.Span) {
	return trace.StartSpan(ctx, name)
}

// InjectGrpcClientTrace adds OpenCensus gRPC client stats instrumentation.
func InjectGrpcClientTrace(opts ...grpc.DialOption) []grpc.DialOption {
	return append(opts, grpc.WithStatsHandler(&ocgrpc.ClientHandler{}))
}

func prometheusNamespace(service string) string {
	return strings.ReplaceAll(strings.ToLower(service), "-", "_")
}
