package main

import (
	"github.com/spf13/cobra"

	"chatloop/internal/config"
	"chatloop/internal/httpapi"
	"chatloop/internal/metrics"
	"chatloop/internal/registry"
	"chatloop/internal/stage"
	"chatloop/internal/transport"
	"chatloop/internal/weights"
	"chatloop/internal/worker"
)

func newWorkerCmd(rf *rootFlags) *cobra.Command {
	var (
		stageIdx   int
		weights    string
		weightsDir string
		next       string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one pipeline stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rf.resolve(config.ModeWorker, func(c *config.Config) error {
				if cmd.Flags().Changed("stage") {
					c.Worker.Stage = stageIdx
				}
				if weights != "" {
					c.Worker.WeightsPath = weights
				}
				if weightsDir != "" {
					c.Worker.WeightsDir = weightsDir
				}
				if next != "" {
					c.Worker.NextStage = next
				}
				return nil
			})
			if err != nil {
				return err
			}
			wc := cfg.Worker

			path := wc.WeightsPath
			if path == "" {
				entries, err := registry.LoadDir(wc.WeightsDir)
				if err != nil && len(entries) == 0 {
					return err
				}
				if err != nil {
					log.Warn().Err(err).Str("dir", wc.WeightsDir).Msg("skipped unreadable partitions")
				}
				e, err := registry.ForStage(entries, wc.Stage)
				if err != nil {
					return err
				}
				path = e.Path
			}

			var downstream stage.Downstream
			if wc.NextStage != "" {
				c, err := transport.New(wc.NextStage, nil)
				if err != nil {
					return err
				}
				downstream = c
			}
			var m *metrics.Metrics
			if !cfg.Observability.DisableMetrics {
				m = metrics.New()
			}

			w, err := worker.New(worker.Config{
				Stage:            wc.Stage,
				WeightsPath:      path,
				KVCacheBytes:     cfg.KVCacheBytes(),
				IdleTimeout:      wc.IdleTimeout(),
				Threads:          cfg.Performance.WorkerThreads,
				MaxBatchSize:     wc.MaxBatchSize,
				MaxQueueSize:     wc.MaxQueueSize,
				BatchWindow:      wc.BatchWindow(),
				QueueTimeout:     wc.QueueTimeout(),
				HandoffAttempts:  wc.HandoffAttempts,
				HandoffBackoff:   wc.HandoffBackoff(),
				DefaultMaxTokens: wc.DefaultMaxTokens,
				Logger:           log,
				Metrics:          m,
			}, downstream)
			if err != nil {
				log.Error().Err(err).Str("weights", path).Msg("stage failed to load")
				return err
			}
			if wc.PrevStage != "" {
				log.Info().Str("prev_stage", wc.PrevStage).Str("next_stage", wc.NextStage).Msg("pipeline position")
			}

			ctx, cancel := signalContext()
			defer cancel()
			h := httpapi.NewWorkerMux(w, httpapi.Options{
				BaseContext:     ctx,
				Logger:          log,
				Metrics:         m,
				MaxBodyBytes:    cfg.Performance.MaxBodyBytes,
				MaxForwardBytes: forwardLimit(cfg, w.Meta()),
			})
			return serve(ctx, log, cfg.Addr(), h, func() { _ = w.Close() })
		},
	}
	f := cmd.Flags()
	f.IntVar(&stageIdx, "stage", 0, "Stage index of this worker")
	f.StringVar(&weights, "weights", "", "Partition file of this stage")
	f.StringVar(&weightsDir, "weights-dir", "", "Directory of partitions; the stage's file is picked by layer order")
	f.StringVar(&next, "next", "", "Endpoint of the next stage (empty on the last stage)")
	return cmd
}

// forwardLimit is the configured handoff body bound, or one sized for a full
// batch of the longest sequences the partition accepts.
func forwardLimit(cfg config.Config, meta weights.Metadata) int64 {
	if n := cfg.Performance.MaxForwardBytes; n > 0 {
		return n
	}
	return max(httpapi.ForwardBodyBytes(cfg.Worker.MaxBatchSize, meta.MaxSeqLen, meta.HiddenDim), cfg.Performance.MaxBodyBytes)
}
