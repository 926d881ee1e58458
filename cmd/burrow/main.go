package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "burrow supervises SSH tunnels: it spawns ssh clients, watches them, and restarts them when they drop.",
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "print the burrow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serverCommand)
	rootCmd.AddCommand(versionCommand)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
