package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tecnosam/voicebox/internal/logger"
	"github.com/tecnosam/voicebox/internal/namr"
)

var (
	flagAddr  string
	flagDB    string
	flagDebug bool
)

var rootCmd = &cobra.Command{
	Use:  "namr",
	Long: "namr maps usernames to voicebox connection info",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(flagDebug)

		server, err := namr.NewServer(namr.ServerConfig{
			Addr:   flagAddr,
			DBPath: flagDB,
			Logger: log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return server.Start(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", ":5050", "address to listen on")
	rootCmd.Flags().StringVar(&flagDB, "db", "namr.sqlite3", "path to the registry database")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}
