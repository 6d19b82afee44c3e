package reporter

import (
	"os"

	"pair-grid-bot-go/internal/execution"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PrintSummary 打印一次运行的往返与盈亏汇总。
func PrintSummary(em *execution.Manager, pairSymbol string) {
	trips := em.RoundTrips()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("回测/运行汇总 - " + pairSymbol)
	t.AppendHeader(table.Row{"#", "网格线", "已实现盈亏"})
	wins := 0
	for i, trip := range trips {
		if trip.RealizedPnL > 0 {
			wins++
		}
		t.AppendRow(table.Row{i + 1, trip.EntryLevelID, trip.RealizedPnL})
	}
	t.AppendFooter(table.Row{"", "合计", em.RealizedPnL()})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	t.Render()

	winRate := 0.0
	if len(trips) > 0 {
		winRate = float64(wins) / float64(len(trips)) * 100
	}

	s := table.NewWriter()
	s.SetOutputMirror(os.Stdout)
	s.AppendRows([]table.Row{
		{"完成往返", len(trips)},
		{"盈利次数", wins},
		{"胜率 (%)", winRate},
		{"累计已实现盈亏", em.RealizedPnL()},
	})
	s.Render()
}

// PrintPositions 打印当前持仓台账。
func PrintPositions(em *execution.Manager) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("持仓台账")
	t.AppendHeader(table.Row{"网格线", "类型", "方向", "腿1数量", "腿2数量"})
	for _, row := range em.Positions() {
		t.AppendRow(table.Row{
			row.Level.LevelID,
			string(row.Level.Kind),
			string(row.Level.Direction),
			row.Leg1Qty,
			row.Leg2Qty,
		})
	}
	t.Render()
}
