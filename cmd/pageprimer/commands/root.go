// Package commands pageprimer 命令行
package commands

import (
	"github.com/spf13/cobra"

	"pageprimer/internal/config"
	"pageprimer/internal/logger"
	"pageprimer/pkg/api"
)

// Version 程序版本
var Version = "dev"

var (
	cfgFile  string
	logLevel string
	offline  bool

	cfg *config.Config
	log logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pageprimer",
	Short: "Prime web pages into a local cache for offline reading",
	Long: `pageprimer drives a headless browser through a page's full resource graph,
storing every response it needs so that a later visit can be served from the
local cache even without connectivity.

Examples:
  # Prime a page and wait until it is loaded
  pageprimer prime https://example.com/

  # Serve the HTTP API
  pageprimer serve --config pageprimer.yaml

  # Fetch a resource through the interception layer while offline
  pageprimer fetch --offline https://example.com/`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c
		log = logger.New(cfg.LoggerOptions())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Treat the network as unreachable and serve from the cache")

	rootCmd.AddCommand(primeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
}

// Execute 执行根命令
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

// newService 按全局配置创建服务
func newService() (api.Service, error) {
	svc, err := api.NewService(cfg, log)
	if err != nil {
		return nil, err
	}
	if offline {
		svc.SetOffline(true)
	}
	return svc, nil
}
