package cmd

import (
	"io"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/ingest"
	"github.com/agenthands/blockserve/pkg/manifest"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <cid>",
	Short: "Write a block's payload to stdout",
	Long:  "Look up a block, read it from its archive, verify it against its address and print the payload.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var catCmd = &cobra.Command{
	Use:   "cat <manifest-cid>",
	Short: "Write a packed file to stdout",
	Long:  "Read a file manifest written by pack and stream the file's chunks in order.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(catCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	c, err := cidutil.Parse(args[0])
	if err != nil {
		return err
	}
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

	data, err := cs.Fetch(cmd.Context(), c)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runCat(cmd *cobra.Command, args []string) (err error) {
	c, err := cidutil.Parse(args[0])
	if err != nil {
		return err
	}
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

	r, err := ingest.Open(cmd.Context(), cs, c, manifest.DefaultLimits)
	if err != nil {
		return err
	}
	_, err = io.Copy(cmd.OutOrStdout(), r)
	return err
}
