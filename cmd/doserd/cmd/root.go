/*
Copyright © 2023 Jonathan Taylor <jonrtaylor12@gmail.com>
*/

package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the root command
var rootCmd = &cobra.Command{
	Use:   "doserd",
	Short: "doserd runs a multi-pump chemical dosing rig",
	Long:  ``,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
