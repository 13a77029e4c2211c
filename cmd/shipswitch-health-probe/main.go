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

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/shipswitch/shipswitch/pkg/utils/logger"
)

var (
	addr       string
	path       string
	timeoutDur = time.Second
	verbose    bool
)

var log = logger.DefaultLogger()

const (
	// StatusInvalidArguments indicates specified invalid arguments.
	StatusInvalidArguments = 1
	// StatusConnectionFailure indicates the request could not be completed.
	StatusConnectionFailure = 2
	// StatusUnhealthy indicates the request succeeded but the service reported unhealthy.
	StatusUnhealthy = 4
)

func init() {
	pflag.StringVar(&addr, "addr", "", "(required) host:port of the service to probe")
	pflag.StringVar(&path, "path", "/healthz", "health endpoint path")
	pflag.DurationVar(&timeoutDur, "timeout", timeoutDur, "timeout for the health check request")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "verbose logs")

	pflag.Parse()

	argError := func(s string, v ...interface{}) {
		log.Infof("error: "+s, v...)
		os.Exit(StatusInvalidArguments)
	}

	if addr == "" {
		argError("--addr not specified")
	}
	if timeoutDur <= 0 {
		argError("--timeout must be greater than zero (specified: %v)", timeoutDur)
	}
	if len(path) == 0 || path[0] != '/' {
		argError("--path must begin with '/' (specified: %q)", path)
	}
	if verbose {
		log.Info("parsed options:")
		log.Infof("> addr=%s path=%s timeout=%v", addr, path, timeoutDur)
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		sig := <-c
		if sig == os.Interrupt {
			log.Infof("cancellation received")
			cancel()
			return
		}
	}()

	url := fmt.Sprintf("http://%s%s", addr, path)
	reqCtx, reqCancel := context.WithTimeout(ctx, timeoutDur)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		log.Infof("error: invalid probe target %q: %+v", url, err)
		os.Exit(StatusInvalidArguments)
	}

	probeStart := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			log.Infof("timeout: health check did not complete within %v", timeoutDur)
		} else {
			log.Infof("error: failed to reach service at %q: %+v", url, err)
		}
		os.Exit(StatusConnectionFailure)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	probeDuration := time.Since(probeStart)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Infof("service unhealthy (responded with %q)", resp.Status)
		os.Exit(StatusUnhealthy)
	}
	if verbose {
		log.Infof("time elapsed: probe=%v", probeDuration)
	}
	log.Infof("status: %s", resp.Status)
}
