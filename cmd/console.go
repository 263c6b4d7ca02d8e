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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/console"
)

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "drive debugging tools from an interactive prompt",
	Long: `drive debugging tools from an interactive prompt.

Every tool of the catalog becomes a command, arguments are given in
key=value form, e.g.:

  mcpdbg> launch_process executable=/path/to/prog
  mcpdbg> set_breakpoint location=main.main
  mcpdbg> continue_execution`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		registry, sess := buildRegistry(logger)

		con := console.New(registry, logger)
		con.AtExit(func() {
			if err := sess.Cleanup(); err != nil {
				logger.Warn("cleanup session", zap.Error(err))
			}
		})
		con.Start()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
