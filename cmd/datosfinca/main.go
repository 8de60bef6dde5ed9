package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/datosfinca/agrobodega/internal/config"
)

type cli struct {
	viper   *viper.Viper
	cfgFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &cli{viper: config.NewViper()}
	rootCmd := &cobra.Command{
		Use:          "datosfinca",
		Short:        "DatosFinca offline-first sync server and device agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}
	app.setupFlags(rootCmd)

	rootCmd.AddCommand(
		app.serveCommand(),
		app.tokenCommand(),
		app.grantCommand(),
		app.revokeCommand(),
		app.agentCommand(),
		app.recordCommand(),
		app.deleteCommand(),
		app.listCommand(),
		app.syncCommand(),
		app.hydrateCommand(),
		app.statusCommand(),
		app.exportCommand(),
		app.importCommand(),
		app.auditCommand(),
	)
	return rootCmd
}

func (a *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString("log.file"), "Write logs to a rotated file instead of stderr")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.String("database-path", defaults.GetString("database.path"), "Server SQLite database path")
	flags.String("local-db", defaults.GetString("local.database_path"), "Device SQLite database path")
	flags.String("endpoint", defaults.GetString("sync.endpoint"), "Sync server base URL")
	flags.String("owner-group", "", "Warehouse (owner group) the device works on")
	flags.String("token", "", "Bearer token for the sync server")

	a.bindFlag(cmd, "log.level", "log-level")
	a.bindFlag(cmd, "log.file", "log-file")
	a.bindFlag(cmd, "auth.signing_secret", "signing-secret")
	a.bindFlag(cmd, "database.path", "database-path")
	a.bindFlag(cmd, "local.database_path", "local-db")
	a.bindFlag(cmd, "sync.endpoint", "endpoint")
	a.bindFlag(cmd, "sync.owner_group_id", "owner-group")
	a.bindFlag(cmd, "sync.token", "token")
}

func (a *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	lookup := cmd.PersistentFlags().Lookup(flag)
	if lookup == nil {
		lookup = cmd.Flags().Lookup(flag)
	}
	if err := a.viper.BindPFlag(key, lookup); err != nil {
		panic(err)
	}
}

func (a *cli) initConfig() error {
	if a.cfgFile != "" {
		a.viper.SetConfigFile(a.cfgFile)
	} else {
		a.viper.SetConfigName("datosfinca")
		a.viper.AddConfigPath(".")
	}

	if err := a.viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if a.cfgFile == "" && errors.As(err, &configNotFound) {
			return nil
		}
		return err
	}
	return nil
}
