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

// Package awssession builds the aws.Config shared by all service clients.
package awssession

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"

	"github.com/shipswitch/shipswitch/pkg/utils/logger"
)

const (
	// httpTimeoutEnv sets the HTTP client timeout for AWS API calls, in seconds
	httpTimeoutEnv = "HTTP_TIMEOUT"

	// endpointEnv points every service client at a single endpoint, for
	// local stacks and tests
	endpointEnv = "SHIPSWITCH_AWS_ENDPOINT"

	maxRetries = 10
)

var (
	log = logger.Get()
	// HTTP timeout default value in seconds (10 seconds)
	httpTimeoutValue = 10 * time.Second
)

func getHTTPTimeout() time.Duration {
	httpTimeoutEnvInput := os.Getenv(httpTimeoutEnv)
	if httpTimeoutEnvInput != "" {
		input, err := strconv.Atoi(httpTimeoutEnvInput)
		if err == nil && input >= 10 {
			log.Debugf("Using HTTP_TIMEOUT %v", input)
			httpTimeoutValue = time.Duration(input) * time.Second
			return httpTimeoutValue
		}
		log.Warnf("HTTP_TIMEOUT is set to less than 10 seconds or unparsable, defaulting to 10 seconds")
	}
	return httpTimeoutValue
}

// New returns the aws.Config to be used by service clients. The region is
// taken from the environment or shared config, falling back to the EC2
// instance metadata service when running on an instance.
func New(ctx context.Context) (aws.Config, error) {
	httpClient := awshttp.NewBuildableClient().WithTimeout(getHTTPTimeout())
	optFns := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
		config.WithRetryMaxAttempts(maxRetries),
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard()
		}),
	}

	endpoint := os.Getenv(endpointEnv)
	if endpoint != "" {
		optFns = append(optFns, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.Region == "" {
		region, err := imdsRegion(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("failed to determine AWS region: %w", err)
		}
		cfg.Region = region
	}

	return cfg, nil
}

func imdsRegion(ctx context.Context) (string, error) {
	client := imds.New(imds.Options{})
	out, err := client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", err
	}
	log.Debugf("Resolved region %s from instance metadata", out.Region)
	return out.Region, nil
}
