package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/ingest"
	"github.com/agenthands/blockserve/pkg/manifest"
	"github.com/agenthands/blockserve/pkg/pack"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var packCmd = &cobra.Command{
	Use:   "pack <out-dir> <files...>",
	Short: "Pack files into indexed archives",
	Long:  "Chunk each file, store the chunks and a manifest per file, and seal them into v2 archives with an embedded index.",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPack,
}

func init() {
	rootCmd.AddCommand(packCmd)

	packCmd.Flags().Uint64("target-size", 0, "seal an archive once it reaches this many bytes")
	packCmd.Flags().Bool("fsync", false, "sync archives to disk before publishing them")
	packCmd.Flags().Bool("verify", false, "seal and re-read every archive, checking each block against its CID")

	viper.BindPFlag("pack.targetpackbytes", packCmd.Flags().Lookup("target-size"))
	viper.BindPFlag("pack.sealfsync", packCmd.Flags().Lookup("fsync"))
}

func runPack(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Pack.Dir = args[0]

	packs, err := pack.NewManager(cfg.Pack, cfg.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := packs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	im := ingest.NewImporter(packs, cfg.Chunking, manifest.DefaultLimits, cfg.Logger)
	out := cmd.OutOrStdout()
	for _, path := range args[1:] {
		c, err := importPath(cmd, im, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", cidutil.Format(c), path)
	}

	if verify, _ := cmd.Flags().GetBool("verify"); verify {
		if err := packs.SealActivePack(cmd.Context()); err != nil {
			return err
		}
		n, err := verifyPacks(cmd.Context(), packs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "verified %d blocks in %d archives\n", n, len(packs.ListSealedPacks()))
	}
	return nil
}

// verifyPacks reads back every block of every sealed pack and checks it
// against its CID.
func verifyPacks(ctx context.Context, packs pack.Manager) (int, error) {
	var n int
	for _, id := range packs.ListSealedPacks() {
		err := packs.IteratePackBlocks(ctx, id, func(c core.CID) error {
			data, err := packs.GetBlock(ctx, id, c)
			if err != nil {
				return fmt.Errorf("%s: %w", cidutil.Format(c), err)
			}
			if err := cidutil.Verify(c, data); err != nil {
				return fmt.Errorf("%s: %w", cidutil.Format(c), err)
			}
			n++
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("archive %s: %w", filepath.Base(packs.Path(id)), err)
		}
	}
	return n, nil
}

func importPath(cmd *cobra.Command, im *ingest.Importer, path string) (core.CID, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.CID{}, err
	}
	defer f.Close()
	return im.ImportFile(cmd.Context(), filepath.Base(path), f)
}
