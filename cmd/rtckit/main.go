// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teleclinic/rtckit/perf"
	"github.com/teleclinic/rtckit/random"
	"github.com/teleclinic/rtckit/session"
)

const connectTimeout = 30 * time.Second

// rtckit runs a headless session participant, mainly used for soak testing
// and for joining consultations from automation.
func main() {
	var configPath string
	var metricsAddr string
	flag.StringVar(&configPath, "config", "config/config.toml", "Path to the configuration file for the rtckit client.")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Optional address to serve Prometheus metrics on.")
	flag.Parse()

	cfg, err := session.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("rtckit: failed to load config: %s", err.Error())
	}

	if cfg.UserID == "" {
		cfg.UserID = random.NewID()
		log.Printf("rtckit: no user_id configured, generated %s", cfg.UserID)
	}

	metrics := perf.NewMetrics("rtckit", nil)

	client, err := session.New(cfg, session.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("rtckit: failed to create client: %s", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("rtckit: failed to connect: %s", err.Error())
	}

	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
				log.Printf("rtckit: metrics server failed: %s", err.Error())
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := client.Destroy(); err != nil {
		log.Fatalf("rtckit: failed to destroy client: %s", err.Error())
	}
}
