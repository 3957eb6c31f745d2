package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dbmazz/dbmazz/internal/config"
)

var cfgFile string
var cfg *config.Config
var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "dbmazz",
	Short: "dbmazz replicates PostgreSQL logical-replication changes into StarRocks",
	Long:  `dbmazz is a CDC engine: it streams PostgreSQL logical replication changes and loads them into a StarRocks warehouse via Stream Load.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dbmazz.yaml or $HOME/.config/dbmazz.yaml)")
	rootCmd.PersistentFlags().String("source.databaseUrl", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("source.tables", "", "Comma-separated list of tables to replicate")

	viper.BindPFlag("source.databaseUrl", rootCmd.PersistentFlags().Lookup("source.databaseUrl"))
	viper.BindPFlag("source.tables", rootCmd.PersistentFlags().Lookup("source.tables"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading config:", err)
		os.Exit(1)
	}
}

func initLogger() {
	l, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error building logger:", err)
		os.Exit(1)
	}
	logger = l
}

func main() {
	Execute()
}
