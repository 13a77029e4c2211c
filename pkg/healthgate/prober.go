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

package healthgate

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/pkg/errors"

	"github.com/shipswitch/shipswitch/pkg/elbv2wrapper"
)

// HTTPProber probes the candidate through the test listener. Any 2xx status
// is a pass.
type HTTPProber struct {
	// URL of the health endpoint behind the test binding.
	URL string
	// Client defaults to http.DefaultClient. The probe deadline comes from
	// the gate's context, not the client.
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return errors.Wrap(err, "healthgate: build probe request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "healthgate: probe request")
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("healthgate: probe returned %s", resp.Status)
	}
	return nil
}

// TargetGroupProber passes only when every registered target in the group is
// healthy. A group with no registered targets fails: an empty environment is
// not a healthy one.
type TargetGroupProber struct {
	ELBV2          elbv2wrapper.ELBV2
	TargetGroupArn string
}

func (p *TargetGroupProber) Probe(ctx context.Context) error {
	out, err := p.ELBV2.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(p.TargetGroupArn),
	})
	if err != nil {
		return errors.Wrapf(err, "healthgate: describe target health for %s", p.TargetGroupArn)
	}
	if len(out.TargetHealthDescriptions) == 0 {
		return errors.Errorf("healthgate: target group %s has no registered targets", p.TargetGroupArn)
	}
	for _, desc := range out.TargetHealthDescriptions {
		if desc.TargetHealth == nil || desc.TargetHealth.State != elbv2types.TargetHealthStateEnumHealthy {
			state := elbv2types.TargetHealthStateEnum("unknown")
			if desc.TargetHealth != nil {
				state = desc.TargetHealth.State
			}
			return fmt.Errorf("healthgate: target in %s is %s", p.TargetGroupArn, state)
		}
	}
	return nil
}
