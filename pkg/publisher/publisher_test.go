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

package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
}

func (m *mockCloudWatch) PutMetricData(ctx context.Context, input *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatch) calls() []*cloudwatch.PutMetricDataInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*cloudwatch.PutMetricDataInput(nil), m.inputs...)
}

func newTestPublisher(client CloudWatchAPI) *cloudWatchPublisher {
	return New(context.Background(), client, "orders").(*cloudWatchPublisher)
}

func TestPublishStampsServiceDimension(t *testing.T) {
	mock := &mockCloudWatch{}
	p := newTestPublisher(mock)

	p.Publish(Datum(MetricPromotions, 1, types.StandardUnitCount))
	p.pushLocal()

	calls := mock.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Shipswitch", aws.ToString(calls[0].Namespace))
	require.Len(t, calls[0].MetricData, 1)
	datum := calls[0].MetricData[0]
	assert.Equal(t, MetricPromotions, aws.ToString(datum.MetricName))
	require.Len(t, datum.Dimensions, 1)
	assert.Equal(t, "Service", aws.ToString(datum.Dimensions[0].Name))
	assert.Equal(t, "orders", aws.ToString(datum.Dimensions[0].Value))
}

func TestPushBatchesAtTwentyDatums(t *testing.T) {
	mock := &mockCloudWatch{}
	p := newTestPublisher(mock)

	for i := 0; i < 45; i++ {
		p.Publish(Datum(MetricBakeDuration, float64(i), types.StandardUnitSeconds))
	}
	p.pushLocal()

	calls := mock.calls()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0].MetricData, 20)
	assert.Len(t, calls[1].MetricData, 20)
	assert.Len(t, calls[2].MetricData, 5)
}

func TestPushLocalDrainsQueue(t *testing.T) {
	mock := &mockCloudWatch{}
	p := newTestPublisher(mock)

	p.Publish(Datum(MetricRollbacks, 1, types.StandardUnitCount))
	p.pushLocal()
	p.pushLocal() // empty queue, no API call

	assert.Len(t, mock.calls(), 1)
}

func TestStopFlushesQueued(t *testing.T) {
	mock := &mockCloudWatch{}
	p := newTestPublisher(mock)
	p.interval = time.Hour // only the shutdown flush may fire

	go p.Start()
	p.Publish(Datum(MetricSwapLatency, 0.42, types.StandardUnitSeconds))
	p.Stop()

	calls := mock.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, MetricSwapLatency, aws.ToString(calls[0].MetricData[0].MetricName))
}
