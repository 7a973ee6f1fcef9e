package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/agenthands/blockserve/pkg/exchange"
	"github.com/agenthands/blockserve/pkg/refresh"
	"github.com/agenthands/blockserve/pkg/server"
	"github.com/agenthands/blockserve/pkg/transform"
	"github.com/agenthands/blockserve/pkg/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve blocks over the exchange protocol",
	Long:  "Build the content store from the data directory and answer want-lists on a unix socket or TCP address.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("network", "", "unix or tcp")
	serveCmd.Flags().String("address", "", "socket path or host:port")
	serveCmd.Flags().String("miss-policy", "", "answer misses with dont-have: always, never or requested")
	serveCmd.Flags().Bool("refresh", false, "periodically rescan the data directory")

	viper.BindPFlag("server.network", serveCmd.Flags().Lookup("network"))
	viper.BindPFlag("server.address", serveCmd.Flags().Lookup("address"))
	viper.BindPFlag("exchange.misspolicy", serveCmd.Flags().Lookup("miss-policy"))
	viper.BindPFlag("refresh.enabled", serveCmd.Flags().Lookup("refresh"))
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cs, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	engine, err := exchange.NewEngine(cfg.Exchange, cs.Store, cfg.Logger)
	if err != nil {
		return err
	}
	codec, err := transport.NewCodec(transform.NewZstd(cfg.Server.ZstdLevel, cfg.Server.CompressThreshold, 0))
	if err != nil {
		return err
	}
	srv, err := server.New(server.Options{
		Config: cfg.Server,
		Engine: engine,
		Reader: cs.Store,
		Codec:  codec,
		Logger: cfg.Logger,
	})
	if err != nil {
		return err
	}

	runner := refresh.NewRunner(cfg.Refresh, cs.Store, cs.backend, cfg.Logger)
	runner.Start(ctx)
	defer runner.Stop()

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
