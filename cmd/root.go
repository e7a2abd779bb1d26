// Package cmd is the cipherchat command line: the server and a terminal
// client.
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pliu/cipherchat/internal/config"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

var envFile string

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cipherchat",
	Short: "End-to-end encrypted one-to-one chat",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLog(viper.GetUint(config.KeyLogLevel), viper.GetString(config.KeyLogPath))
		return nil
	},
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

// initConfig runs before flags are read into viper, so .env values land in
// the environment in time for AutomaticEnv.
func initConfig() {
	if err := config.LoadEnv(envFile); err != nil {
		jww.WARN.Printf("%v", err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.Bind(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env",
		"Environment file to load before reading CIPHERCHAT_* variables")

	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag(config.KeyLogPath, rootCmd.PersistentFlags().Lookup("log"))
}
