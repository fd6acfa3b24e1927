package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/report"
)

var (
	reportDate string
	reportDir  string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export the daily violation rollup as XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		date := reportDate
		if date == "" {
			date = time.Now().UTC().AddDate(0, 0, -1).Format(model.ReportDateLayout)
		}
		dir := reportDir
		if dir == "" {
			dir = cfg.Report.Dir
		}

		st, err := initStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		path, d, err := report.Generate(cmd.Context(), st, date, report.Options{
			Dir:          dir,
			MarkReported: cfg.Report.MarkReported,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sessions, %d occurrences -> %s\n",
			date, d.Totals.Sessions, d.Totals.Occurrences, path)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "report date YYYY-MM-DD (default yesterday, UTC)")
	reportCmd.Flags().StringVar(&reportDir, "dir", "", "output directory (default from config)")
	rootCmd.AddCommand(reportCmd)
}
