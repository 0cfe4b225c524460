// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Command replicationd runs the directory-replication daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/smarttargettech/active-directory/internal/config"
	"github.com/smarttargettech/active-directory/internal/daemon"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	var verbose bool

	cmd := &cobra.Command{
		Use:   "replicationd",
		Short: "Replicate a directory's changes to a set of pluggable handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
			return run(cmd.Context(), cfg)
		},
	}

	cfg.Bind(cmd.Flags())
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	if err := cfg.Preflight(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, cleanup, err := daemon.Start(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
	}

	log.WithFields(log.Fields{
		"notifierAddr": cfg.NotifierAddr,
		"ldapServer":   cfg.LDAPServer,
	}).Info("replicationd starting")

	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Info("replicationd stopped")
	return nil
}
