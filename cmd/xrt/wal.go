package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"xrt/internal/app"
	"xrt/internal/config"
	"xrt/internal/domain"
	"xrt/internal/logging"
	"xrt/internal/wal"
)

func walCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wal", Short: "Read the write-ahead log"}
	cmd.AddCommand(walTailCmd())
	return cmd
}

func walTailCmd() *cobra.Command {
	var n int
	var since int64
	var types []string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print WAL events of a tenant from the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			q := wal.Query{Since: since, Limit: n}
			for _, t := range types {
				et := domain.EventType(t)
				if !et.Valid() {
					return fmt.Errorf("unknown event type %s", t)
				}
				q.Types = append(q.Types, et)
			}
			events, err := readEvents(cmd.Context(), viper.GetString("workspace"), tenant, q)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			renderEvents(os.Stdout, events)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this id")
	cmd.Flags().StringSliceVar(&types, "type", nil, "event type filter")
	return cmd
}

func readEvents(ctx context.Context, workspace, tenant string, q wal.Query) ([]domain.Event, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Driver = config.DriverSQLite
	store, err := app.OpenStorage(ctx, cfg, logging.Discard())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.WAL.ReadAll(ctx, tenant, q)
}

func renderEvents(w io.Writer, events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Saga", "Payload"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.SagaID, string(ev.Payload)})
	}
	tw.Render()
}
