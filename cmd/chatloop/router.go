package main

import (
	"github.com/spf13/cobra"

	"chatloop/internal/config"
	"chatloop/internal/httpapi"
	"chatloop/internal/metrics"
	"chatloop/internal/router"
	"chatloop/internal/transport"
)

func newRouterCmd(rf *rootFlags) *cobra.Command {
	var replicas string
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Route requests over pipeline replicas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rf.resolve(config.ModeRouter, func(c *config.Config) error {
				if eps := splitCSV(replicas); len(eps) > 0 {
					c.Router.Replicas = eps
				}
				return nil
			})
			if err != nil {
				return err
			}
			rc := cfg.Router

			reps := make([]router.Replica, 0, len(rc.Replicas))
			for _, ep := range rc.Replicas {
				c, err := transport.New(ep, nil)
				if err != nil {
					return err
				}
				reps = append(reps, c)
			}
			var m *metrics.Metrics
			if !cfg.Observability.DisableMetrics {
				m = metrics.New()
			}
			rt, err := router.New(router.Config{
				HealthInterval:    rc.HealthInterval(),
				HealthTimeout:     rc.HealthTimeout(),
				FailureThreshold:  rc.FailureThreshold,
				RecoveryThreshold: rc.RecoveryThreshold,
				RequestTimeout:    rc.RequestTimeout(),
				MaxConcurrent:     int64(rc.MaxConcurrentRequests),
				Logger:            log,
				Metrics:           m,
			}, reps)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			rt.CheckOnce(ctx)
			go rt.Run(ctx)
			log.Info().Int("replicas", len(reps)).Int("healthy", rt.Healthy()).Msg("router ready")

			o := cfg.Observability
			h := httpapi.NewRouterMux(rt, httpapi.Options{
				BaseContext:  ctx,
				Logger:       log,
				Metrics:      m,
				MaxBodyBytes: cfg.Performance.MaxBodyBytes,
				CORS: httpapi.CORSOptions{
					Enabled:        o.CORSEnabled,
					AllowedOrigins: o.CORSAllowedOrigins,
					AllowedMethods: o.CORSAllowedMethods,
					AllowedHeaders: o.CORSAllowedHeaders,
				},
			})
			return serve(ctx, log, cfg.Addr(), h, func() {})
		},
	}
	cmd.Flags().StringVar(&replicas, "replicas", "", "Comma-separated first-stage endpoints, one per replica")
	return cmd
}
