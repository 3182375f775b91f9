/*
Copyright © 2023 Jonathan Taylor <jonrtaylor12@gmail.com>
*/

package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/jt05610/doser/analysis"
	"github.com/jt05610/doser/history"
)

var (
	historyDB string
	historyN  int
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show recent doses and per-pump accuracy",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := history.Open(historyDB)
		if err != nil {
			log.Fatalf("could not open %s: %v", historyDB, err)
		}
		doses, err := store.Recent(historyN)
		if err != nil {
			log.Fatalf("could not read history: %v", err)
		}
		for _, d := range doses {
			fmt.Printf("%s  %-8s %-12s target %7.2f g  actual %7.2f g  error %+6.3f g  %s\n",
				d.DosedAt.Format(time.RFC3339), d.Pump, d.Chemical, d.TargetG, d.ActualG, d.ErrorG, d.Outcome)
		}
		for _, s := range analysis.Summarize(doses) {
			fmt.Printf("%s: %d doses, bias %+.3f g, spread %.3f g, gain %.3f\n",
				s.Pump, s.Doses, s.MeanErrorG, s.StdDevG, s.Gain)
		}
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyDB, "db", "doser.db", "history database path")
	historyCmd.Flags().IntVar(&historyN, "n", 20, "number of doses to show")
}
