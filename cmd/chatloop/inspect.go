package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"chatloop/internal/registry"
	"chatloop/internal/weights"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <partition|dir>",
		Short: "Print a partition header or the partitions of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fi, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return inspectDir(cmd.OutOrStdout(), args[0])
			}
			return inspectFile(cmd.OutOrStdout(), args[0])
		},
	}
}

type partitionInfo struct {
	Path    string           `json:"path"`
	Bytes   int              `json:"bytes"`
	Mapped  bool             `json:"mapped"`
	Meta    weights.Metadata `json:"meta"`
	Tensors []tensorInfo     `json:"tensors"`
}

type tensorInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

func inspectFile(w io.Writer, path string) error {
	p, err := weights.Open(path)
	if err != nil {
		return err
	}
	defer p.Close()
	info := partitionInfo{Path: p.Path(), Bytes: p.Size(), Mapped: p.Mapped(), Meta: p.Meta()}
	for _, name := range p.Names() {
		v, err := p.Lookup(name)
		if err != nil {
			return err
		}
		info.Tensors = append(info.Tensors, tensorInfo{Name: name, DType: v.DType.String(), Shape: v.Shape})
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func inspectDir(w io.Writer, dir string) error {
	entries, loadErr := registry.LoadDir(dir)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tLAYERS\tSIZE\tPATH")
	for i, e := range entries {
		fmt.Fprintf(tw, "%d\t[%d,%d)/%d\t%d\t%s\n", i, e.Meta.StartLayer, e.Meta.EndLayer, e.Meta.TotalLayers, e.Size, e.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if loadErr != nil {
		fmt.Fprintln(w, "skipped:", loadErr)
	}
	if len(entries) == 0 {
		return loadErr
	}
	if err := registry.Chain(entries); err != nil {
		fmt.Fprintln(w, "incomplete:", err)
	}
	return nil
}
