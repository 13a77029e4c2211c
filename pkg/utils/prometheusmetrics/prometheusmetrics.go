// Copyright Shipswitch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package prometheusmetrics declares the controller's Prometheus collectors
// and serves them over HTTP.
package prometheusmetrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shipswitch/shipswitch/pkg/utils/logger"
	"github.com/shipswitch/shipswitch/pkg/utils/retry"
)

var log = logger.Get()

var (
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipswitch_deployments_total",
			Help: "The number of deployment attempts reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)
	DeploymentInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shipswitch_deployment_in_flight",
			Help: "Whether a deployment attempt is currently non-terminal (0 or 1)",
		},
	)
	SwapLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shipswitch_swap_latency_seconds",
			Help:    "Time taken by the production traffic binding swap",
			Buckets: prometheus.DefBuckets,
		},
	)
	BakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shipswitch_bake_duration_seconds",
			Help:    "Observed bake time of deployment attempts before a terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipswitch_health_checks_total",
			Help: "The number of candidate health checks performed, by result",
		},
		[]string{"result"},
	)
	CircuitBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shipswitch_circuit_breaker_trips_total",
			Help: "The number of times the consecutive-failure circuit breaker fired",
		},
	)
	AwsAPILatency = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "shipswitch_aws_api_latency_ms",
			Help: "AWS API call latency in ms",
		},
		[]string{"api", "error"},
	)
	AwsAPIErr = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipswitch_aws_api_error_count",
			Help: "The number of times an AWS API returns an error",
		},
		[]string{"api", "error"},
	)
)

// ObserveAWSAPICall records the latency of one AWS API call and, on failure,
// counts the error under its service error code.
func ObserveAWSAPICall(api string, start time.Time, err error) {
	AwsAPILatency.WithLabelValues(api, fmt.Sprint(err != nil)).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		AwsAPIErr.WithLabelValues(api, awsErrorCode(err)).Inc()
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "internal"
}

var registerOnce sync.Once

// PrometheusRegister registers all collectors with the default registry
func PrometheusRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DeploymentsTotal)
		prometheus.MustRegister(DeploymentInFlight)
		prometheus.MustRegister(SwapLatency)
		prometheus.MustRegister(BakeDuration)
		prometheus.MustRegister(HealthChecksTotal)
		prometheus.MustRegister(CircuitBreakerTrips)
		prometheus.MustRegister(AwsAPILatency)
		prometheus.MustRegister(AwsAPIErr)
	})
}

// SetupMetricsServer builds the metrics HTTP server without starting it
func SetupMetricsServer(metricsPort int) *http.Server {
	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:           fmt.Sprintf(":%d", metricsPort),
		Handler:        serveMux,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// ServeMetrics serves the Prometheus metrics endpoint, restarting the listener
// with backoff if it fails
func ServeMetrics(metricsPort int) {
	log.Infof("Serving metrics on port %d", metricsPort)
	server := SetupMetricsServer(metricsPort)
	for {
		once := sync.Once{}
		_ = retry.WithBackoff(retry.NewSimpleBackoff(time.Second, time.Minute, 0.2, 2), func() error {
			err := server.ListenAndServe()
			once.Do(func() {
				log.Warnf("Error running metrics server: %v", err)
			})
			return err
		})
	}
}
