package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/regorov/bgremover"
)

func renderFailures(failures []bgremover.ErrorDescriptor) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Failed images")
	tw.AppendHeader(table.Row{"#", "File", "Cause", "Reason"})
	for i, f := range failures {
		tw.AppendRow(table.Row{i + 1, f.ItemName, f.Cause.String(), f.Message})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 80}})
	return tw.Render()
}
