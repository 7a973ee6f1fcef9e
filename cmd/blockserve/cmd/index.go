package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenthands/blockserve/pkg/archive"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index <archive>",
	Short: "Describe one archive",
	Long:  "Load a single archive and print its format version, roots and where its index came from.",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	a, err := archive.Load(cmd.Context(), filepath.Base(args[0]), f, fi.Size(), archive.Options{
		MaxSectionSize: cfg.Index.MaxSectionSize,
		MaxHeaderSize:  cfg.Index.MaxHeaderSize,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version:\t%d\n", a.Version)
	fmt.Fprintf(out, "index:\t%s\n", a.Provenance)
	if a.IndexErr != nil {
		fmt.Fprintf(out, "index error:\t%v\n", a.IndexErr)
	}
	fmt.Fprintf(out, "entries:\t%d\n", len(a.Entries))
	for _, r := range a.Roots {
		fmt.Fprintf(out, "root:\t%s\n", cidutil.Format(r))
	}
	return nil
}
