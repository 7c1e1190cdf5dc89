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

package instrumentation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Discovery-level counters and gauges, one set per process. These are
// plain client_golang metrics (not OpenCensus views) because they report
// a single Discover() call's outcome, not an ongoing rate.
var (
	PagesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haywire_pages_scanned_total",
		Help: "4KiB-aligned pages scored while searching for swapper_pg_dir.",
	})
	TasksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haywire_tasks_accepted_total",
		Help: "task_struct candidates that passed signature and list validation.",
	})
	PTEsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haywire_ptes_total",
		Help: "Terminal page-table entries inserted into the page collection.",
	})
	Truncated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haywire_truncated",
		Help: "1 if the last discovery run hit the PTE emission cap, 0 otherwise.",
	})
	OracleAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haywire_oracle_available",
		Help: "1 if the management-channel oracle answered the last query, 0 otherwise.",
	})
)

// Handler returns an http.Handler serving the above metrics from
// client_golang's default registry. It does not serve the OpenCensus views
// that Setup exports on its own /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
