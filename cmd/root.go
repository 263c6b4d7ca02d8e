/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hitzhangjie/mcpdbg/internal/breakpoint"
	"github.com/hitzhangjie/mcpdbg/internal/coredump"
	"github.com/hitzhangjie/mcpdbg/internal/crash"
	"github.com/hitzhangjie/mcpdbg/internal/engine/ptraceng"
	"github.com/hitzhangjie/mcpdbg/internal/execution"
	"github.com/hitzhangjie/mcpdbg/internal/session"
	"github.com/hitzhangjie/mcpdbg/internal/tools"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcpdbg",
	Short: "debug native processes through a tool-oriented control plane",
	Long: `mcpdbg drives a native debugging engine through a catalog of named tools.

The same catalog is reachable two ways:
- serve: expose the tools over MCP on stdin/stdout, for agent clients
- console: drive the tools interactively from a terminal`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mcpdbg.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to file instead of stderr")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".mcpdbg" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".mcpdbg")
	}

	viper.SetEnvPrefix("mcpdbg")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger stdio被MCP传输占用，日志必须走stderr或文件
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if file := viper.GetString("log.file"); file != "" {
		cfg.OutputPaths = []string{file}
		cfg.ErrorOutputPaths = []string{file}
	}
	return cfg.Build()
}

// buildRegistry 装配一条完整的调试链: 引擎、会话和工具目录
func buildRegistry(logger *zap.Logger) (*tools.Registry, *session.Session) {
	eng := ptraceng.New(logger)

	opts := []session.Option{session.WithLogger(logger)}
	if d := viper.GetDuration("session.ready_timeout"); d > 0 {
		opts = append(opts, session.WithReadyTimeout(d))
	}
	sess := session.New(eng, opts...)

	registry := tools.NewRegistry(tools.Deps{
		Session:     sess,
		Breakpoints: breakpoint.NewRegistry(),
		Exec:        execution.NewController(logger),
		Crash:       crash.NewAnalyzer(logger),
		Core:        coredump.NewGenerator(logger),
		Log:         logger,
	})
	return registry, sess
}
