/*
Copyright © 2023 Jonathan Taylor <jonrtaylor12@gmail.com>
*/

package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/jt05610/doser/comm/serial"
)

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports",
	Run: func(cmd *cobra.Command, args []string) {
		ports, err := serial.ListPorts()
		if err != nil {
			log.Fatalf("could not list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
