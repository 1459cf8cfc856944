// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/oncomatch/services/matchengine/api"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Execute a matching run, then serve the results over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyRunFlags(cmd, &a.cfg)
			s, err := a.openStore()
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			eng, err := a.buildEngine(s)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			matches, err := eng.Run(ctx)
			if err != nil {
				return fmt.Errorf("matching run failed: %w", err)
			}
			printRunSummary(cmd, eng, matches)

			server := &http.Server{
				Addr:    a.cfg.API.ListenAddr,
				Handler: api.NewRouter(eng, a.logger),
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("serving matches", "addr", a.cfg.API.ListenAddr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	addRunFlags(cmd)
	return cmd
}
