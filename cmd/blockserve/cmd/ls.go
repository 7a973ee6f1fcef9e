package cmd

import (
	"fmt"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every served address",
	Long:  "Build the content store and print each address with the archive section that serves it.",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cs, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	snap := cs.Acquire()
	defer snap.Release()

	out := cmd.OutOrStdout()
	for _, a := range snap.Archives {
		for _, e := range a.Entries {
			// Skip sections shadowed by an earlier archive.
			loc, ok := snap.Lookup(e.CID)
			if !ok || loc.ArchiveID != a.ID || loc.Offset != e.Offset {
				continue
			}
			fmt.Fprintf(out, "%s\t%s\t%d\t%d\n", cidutil.Format(e.CID), a.ID, e.Offset, e.Length)
		}
	}
	return nil
}
