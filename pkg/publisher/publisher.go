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

// Package publisher is used to batch and send deployment metric data to
// CloudWatch
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/shipswitch/shipswitch/pkg/utils/logger"
)

const (
	// defaultInterval between local-queue flushes
	defaultInterval = time.Second * 60

	// cloudwatchMetricNamespace for deployment outcome metrics
	cloudwatchMetricNamespace = "Shipswitch"

	// serviceDimension carries the deployed service name on every datum
	serviceDimension = "Service"

	// localMetricDataSize is the default size for the local queue(slice)
	localMetricDataSize = 100

	// maxDataPoints is the maximum number of data points per PutMetricData
	// API request
	maxDataPoints = 20
)

var log = logger.Get()

// CloudWatchAPI is the API surface the publisher drives.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, input *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Publisher defines the interface to publish one or more data points
type Publisher interface {
	// Publish queues one or more metric data points
	Publish(metricDataPoints ...types.MetricDatum)

	// Start runs the batch-and-flush loop until Stop or context cancellation
	Start()

	// Stop terminates the batch-and-flush loop after a final flush
	Stop()
}

// Metric names published per attempt.
const (
	MetricPromotions   = "Promotions"
	MetricRollbacks    = "Rollbacks"
	MetricBakeDuration = "BakeDurationSeconds"
	MetricSwapLatency  = "SwapLatencySeconds"
)

// Datum builds a metric datum stamped with the current time.
func Datum(name string, value float64, unit types.StandardUnit) types.MetricDatum {
	return types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now().UTC()),
	}
}

type cloudWatchPublisher struct {
	ctx              context.Context
	cancel           context.CancelFunc
	service          string
	interval         time.Duration
	cloudwatchClient CloudWatchAPI
	localMetricData  []types.MetricDatum
	lock             sync.Mutex
	done             chan struct{}
}

// New returns a Publisher that stamps every datum with the service dimension.
func New(ctx context.Context, client CloudWatchAPI, service string) Publisher {
	derivedContext, cancel := context.WithCancel(ctx)
	return &cloudWatchPublisher{
		ctx:              derivedContext,
		cancel:           cancel,
		service:          service,
		interval:         defaultInterval,
		cloudwatchClient: client,
		localMetricData:  make([]types.MetricDatum, 0, localMetricDataSize),
		done:             make(chan struct{}),
	}
}

// Start is used to run the flush loop
func (p *cloudWatchPublisher) Start() {
	log.Info("Starting monitor loop for CloudWatch publisher")
	p.monitor(p.interval)
}

// Stop is used to cancel the flush loop
func (p *cloudWatchPublisher) Stop() {
	log.Info("Stopping monitor loop for CloudWatch publisher")
	p.cancel()
	<-p.done
}

// Publish is a variadic function to queue one or more metric data points
func (p *cloudWatchPublisher) Publish(metricDataPoints ...types.MetricDatum) {
	dimensions := p.metricDimensions()

	p.lock.Lock()
	defer p.lock.Unlock()

	for _, metricDatum := range metricDataPoints {
		metricDatum.Dimensions = dimensions
		p.localMetricData = append(p.localMetricData, metricDatum)
	}
}

func (p *cloudWatchPublisher) pushLocal() {
	p.lock.Lock()
	data := p.localMetricData[:]
	p.localMetricData = make([]types.MetricDatum, 0, localMetricDataSize)
	p.lock.Unlock()
	p.push(data)
}

func (p *cloudWatchPublisher) push(metricData []types.MetricDatum) {
	for len(metricData) > 0 {
		index := min(maxDataPoints, len(metricData))
		input := cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(cloudwatchMetricNamespace),
			MetricData: metricData[:index],
		}
		if _, err := p.cloudwatchClient.PutMetricData(context.Background(), &input); err != nil {
			log.Warnf("Unable to publish CloudWatch metrics: %v", err)
		}
		metricData = metricData[index:]
	}
}

func (p *cloudWatchPublisher) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(p.done)
	for {
		select {
		case <-ticker.C:
			p.pushLocal()

		case <-p.ctx.Done():
			// final flush so queued outcomes survive shutdown
			p.pushLocal()
			return
		}
	}
}

func (p *cloudWatchPublisher) metricDimensions() []types.Dimension {
	return []types.Dimension{
		{
			Name:  aws.String(serviceDimension),
			Value: aws.String(p.service),
		},
	}
}

// min is a helper to compute the min of two integers
func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}
