package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cbrewster/assetstore/internal/client"
	"github.com/cbrewster/assetstore/internal/config"
	"github.com/cbrewster/assetstore/internal/httpapi"
	"github.com/cbrewster/assetstore/internal/metastore"
)

// app carries state shared by every subcommand.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	rootCmd := &cobra.Command{
		Use:   "assetd",
		Short: "Chunked content-addressed asset store",
		Long: `assetd stores assets uploaded as chunks, assembles them with an
atomic commit and delivers them one chunk per response.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("server", "", "server base URL for client commands")
	flags.String("principal", "", "caller identity sent as "+httpapi.PrincipalHeader)
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format (json or console)")
	a.v.BindPFlag("server", flags.Lookup("server"))
	a.v.BindPFlag("principal", flags.Lookup("principal"))
	a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	a.v.BindPFlag("log.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(
		newServeCmd(a),
		newSweepCmd(a),
		newUploadCmd(a),
		newFetchCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
		newInfoCmd(a),
	)
	return rootCmd
}

func (a *app) client() *client.Client {
	return client.New(a.cfg.Server, metastore.Principal(a.cfg.Principal))
}
