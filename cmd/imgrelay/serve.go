package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/imgrelay/imgrelay/bootstrap"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the image proxy server",
	Long: `Start the imgrelay proxy server.

The server will:
  - Load configuration from imgrelay.yaml (or --config)
  - Or load configuration from IMGRELAY_* environment variables
  - Open the cache store and usage database
  - Serve /{domain}/{path} image requests

Environment variables (for Docker deployments):
  IMGRELAY_CACHE_PATH       - Cache store directory (default: imgrelay-cache)
  IMGRELAY_DATABASE_DSN     - Usage database path (default: imgrelay.db)
  IMGRELAY_SERVER_PORT      - Server port (default: 8080)
  IMGRELAY_ALLOWED_ORIGINS  - Origin allow-list (default: *)
  IMGRELAY_BILLING_ENABLED  - Enable the periodic billing flush
  IMGRELAY_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  imgrelay serve
  imgrelay serve --config /etc/imgrelay/config.yaml
  imgrelay serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := bootstrap.Options{}
	if _, err := os.Stat(cfgFile); err == nil {
		opts.ConfigPath = cfgFile
		opts.WatchConfig = hotReload
	}

	app, err := bootstrap.New(opts)
	if err != nil {
		return err
	}
	return app.Run()
}
