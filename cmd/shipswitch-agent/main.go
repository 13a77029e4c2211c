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

// The shipswitch deployment agent binary
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shipswitch/shipswitch/pkg/awsutils/awssession"
	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/deployment"
	"github.com/shipswitch/shipswitch/pkg/ecswrapper"
	"github.com/shipswitch/shipswitch/pkg/elbv2wrapper"
	"github.com/shipswitch/shipswitch/pkg/environment"
	"github.com/shipswitch/shipswitch/pkg/healthgate"
	"github.com/shipswitch/shipswitch/pkg/publisher"
	"github.com/shipswitch/shipswitch/pkg/secretswrapper"
	"github.com/shipswitch/shipswitch/pkg/ssmwrapper"
	"github.com/shipswitch/shipswitch/pkg/trafficrouter"
	"github.com/shipswitch/shipswitch/pkg/utils/logger"
	metrics "github.com/shipswitch/shipswitch/pkg/utils/prometheusmetrics"
	"github.com/shipswitch/shipswitch/pkg/version"

	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func main() {
	os.Exit(_main())
}

func _main() int {
	// Do not add anything before initializing logger
	log := logger.Get()

	var configPath string
	pflag.StringVar(&configPath, "config", "/etc/shipswitch/deployment.yaml", "path to the deployment document")
	pflag.Parse()

	log.Infof("Starting shipswitch-agent %s ...", version.Version)
	metrics.PrometheusRegister()
	version.RegisterMetric()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("Failed to load deployment document: %v", err)
		return 1
	}
	daemon := config.DaemonFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awssession.New(ctx)
	if err != nil {
		log.Errorf("Failed to configure AWS clients: %v", err)
		return 1
	}

	elbv2Client := elbv2wrapper.New(awsCfg)
	router := trafficrouter.New(elbv2Client,
		trafficrouter.Binding{
			ListenerArn:    cfg.Traffic.Production.ListenerArn,
			RuleArn:        cfg.Traffic.Production.RuleArn,
			TargetGroupArn: cfg.Traffic.Production.TargetGroupArn,
			Port:           cfg.Traffic.Production.Port,
		},
		trafficrouter.Binding{
			ListenerArn:    cfg.Traffic.Test.ListenerArn,
			RuleArn:        cfg.Traffic.Test.RuleArn,
			TargetGroupArn: cfg.Traffic.Test.TargetGroupArn,
			Port:           cfg.Traffic.Test.Port,
		},
	)
	if err := router.Verify(ctx); err != nil {
		log.Errorf("Traffic binding verification failed: %v", err)
		return 1
	}

	materializer := environment.NewMaterializer(
		ecswrapper.New(awsCfg),
		ssmwrapper.New(awsCfg),
		secretswrapper.New(awsCfg),
		cfg,
	)

	var pub publisher.Publisher
	if !daemon.DisablePublisher {
		pub = publisher.New(ctx, cw.NewFromConfig(awsCfg), cfg.Service)
		go pub.Start()
		defer pub.Stop()
	}

	probers := func(targetGroupArn string) healthgate.Prober {
		if path := cfg.Deploy.HealthGate.ProbePath; path != "" {
			host := cfg.Deploy.HealthGate.ProbeHost
			if host == "" {
				host = "localhost"
			}
			return &healthgate.HTTPProber{
				URL: fmt.Sprintf("http://%s:%d%s", host, cfg.Traffic.Test.Port, path),
			}
		}
		return &healthgate.TargetGroupProber{ELBV2: elbv2Client, TargetGroupArn: targetGroupArn}
	}

	store := deployment.NewStore(cfg.Deploy.HistoryLimit)
	controller := deployment.NewController(cfg, store, materializer, router, probers, pub)

	if !daemon.DisableMetrics {
		go metrics.ServeMetrics(daemon.MetricsPort)
	}

	api := deployment.NewAPI(controller, store, cfg)
	server := api.SetupServer(daemon.APIPort)
	go func() {
		log.Infof("Serving deployment API on port %d", daemon.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Deployment API server exited: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received, waiting for the in-flight attempt")
	_ = server.Shutdown(context.Background())
	controller.Wait()
	return 0
}
