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

	"github.com/hitzhangjie/mcpdbg/internal/mcpserver"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve debugging tools over MCP on stdin/stdout",
	Long: `serve debugging tools over MCP on stdin/stdout.

The process speaks the protocol on stdio until the client side closes
the stream. The debugged process is killed and the engine released
before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		registry, sess := buildRegistry(logger)
		defer func() {
			if err := sess.Cleanup(); err != nil {
				logger.Warn("cleanup session", zap.Error(err))
			}
		}()

		srv := mcpserver.New("mcpdbg", version, registry, logger)
		return srv.ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
