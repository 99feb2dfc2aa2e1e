package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/garage/internal/whatsapp"
)

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted WhatsApp session status",
		Long:  "Prints the last recorded connection status of every operator. Connected rows are restored when the server starts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to garage config file")
	return cmd
}

func runSessions(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	store, err := whatsapp.NewGormStore(gormDB)
	if err != nil {
		return err
	}
	rows, err := store.All(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATOR\tCONNECTED\tCONNECTED AT\tDISCONNECTED AT\tLAST HEARTBEAT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
			r.OperatorID, r.IsConnected,
			formatTime(r.ConnectedAt), formatTime(r.DisconnectedAt), formatTime(r.LastHeartbeat))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
