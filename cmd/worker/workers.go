package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"image-worker/internal/entity"
	"image-worker/internal/service"
)

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List live workers and their queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := ctx.redisClient()
			if err != nil {
				return err
			}
			defer rdb.Close()

			producer := service.NewProducer(rdb)
			states, err := producer.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No live workers.")
				return nil
			}

			pending := make(map[string]int64)
			for _, st := range states {
				for _, q := range st.Queues {
					if _, seen := pending[q]; seen {
						continue
					}
					n, err := producer.QueueLength(cmd.Context(), q)
					if err != nil {
						return err
					}
					pending[q] = n
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderWorkers(states, pending, time.Now()))
			return nil
		},
	}
}

func renderWorkers(states []entity.WorkerState, pending map[string]int64, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Worker", "Status", "Version", "Queues", "Pending", "Updated", "Expires"})

	for _, st := range states {
		var total int64
		for _, q := range st.Queues {
			total += pending[q]
		}
		updated := "-"
		if !st.UpdatedAt.IsZero() {
			updated = humanize.RelTime(st.UpdatedAt, now, "ago", "from now")
		}
		expires := "-"
		if st.TTL > 0 {
			expires = "in " + st.TTL.String()
		}
		tw.AppendRow(table.Row{
			st.Worker,
			string(st.Status),
			orDash(st.Version),
			orDash(strings.Join(st.Queues, ", ")),
			humanize.Comma(total),
			updated,
			expires,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
