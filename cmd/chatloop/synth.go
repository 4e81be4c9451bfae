package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatloop/internal/synth"
	"chatloop/internal/weights"
)

func newSynthCmd() *cobra.Command {
	s := synth.Tiny()
	var (
		out   string
		dtype string
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a random model split into stage partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := weights.ParseDType(dtype)
			if err != nil {
				return err
			}
			s.DType = dt
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			paths, err := synth.Write(out, s)
			if err != nil {
				return err
			}
			ranges := s.Ranges()
			for i, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "stage %d layers [%d,%d) %s\n", i, ranges[i][0], ranges[i][1], p)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "models", "Output directory")
	f.StringVar(&dtype, "dtype", "F32", "Weight type: F32|F16|I8|I4")
	f.IntVar(&s.Layers, "layers", 4, "Transformer layers")
	f.IntVar(&s.Stages, "stages", 2, "Pipeline stages")
	f.IntVar(&s.Hidden, "hidden", s.Hidden, "Hidden size")
	f.IntVar(&s.Heads, "heads", s.Heads, "Attention heads")
	f.IntVar(&s.Intermediate, "intermediate", s.Intermediate, "Feed-forward size")
	f.IntVar(&s.Vocab, "vocab", s.Vocab, "Vocabulary size")
	f.IntVar(&s.MaxSeqLen, "max-seq-len", s.MaxSeqLen, "Context window")
	f.Uint64Var(&s.Seed, "seed", s.Seed, "Random seed")
	return cmd
}
