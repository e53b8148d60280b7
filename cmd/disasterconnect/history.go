package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/core"
	"github.com/bit2swaz/disasterconnect/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived SOS alerts and every peer this node has met",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg.WithDefaults()
		db, err := store.Init(c.ArchivePath())
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer store.Close(db)
		return printHistory(os.Stdout, store.NewArchive(db), historyLimit)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of recent SOS alerts to show")
}

func printHistory(w io.Writer, archive *store.Archive, limit int) error {
	alerts, err := archive.RecentSOS(limit)
	if err != nil {
		return err
	}
	known, err := archive.Peers()
	if err != nil {
		return err
	}

	sos := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "FROM", "MESSAGE")
	for _, m := range alerts {
		sos.Row(m.Timestamp, m.SenderNick, m.Content)
	}

	met := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PEER", "ADDR", "ROOM", "LAST SEEN")
	for _, p := range known {
		met.Row(core.ShortID(p.ID), p.Addr, p.Room, p.LastSeen.Local().Format(time.DateTime))
	}

	fmt.Fprintf(w, "SOS ALERTS (%d)\n%s\n\nPEERS (%d)\n%s\n", len(alerts), sos.Render(), len(known), met.Render())
	return nil
}
