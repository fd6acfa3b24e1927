package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/session"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
)

var (
	closeSite   string
	closeCamera string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage violation sessions",
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close active sessions, optionally for one site or camera",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := session.NewRecorder(st, tracker.New(cfg.TrackerConfig()))
		n, err := rec.CloseInactiveSessions(cmd.Context(), closeSite, closeCamera)
		if err != nil {
			return err
		}

		zap.L().Info("sessions closed",
			zap.String("site", closeSite),
			zap.String("camera", closeCamera),
			zap.Int("closed", n),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d sessions\n", n)
		return nil
	},
}

func init() {
	sessionsCloseCmd.Flags().StringVar(&closeSite, "site", "", "only close sessions at this site")
	sessionsCloseCmd.Flags().StringVar(&closeCamera, "camera", "", "only close sessions from this camera")
	sessionsCmd.AddCommand(sessionsCloseCmd)
	rootCmd.AddCommand(sessionsCmd)
}
