package execution

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/models"
	"pair-grid-bot-go/internal/position"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockGateway 记录全部下单与撤单请求, 可配置拒单行为。
type mockGateway struct {
	nextID    int
	submitted []models.OrderRequest
	brokerIDs []string
	canceled  []string
	rejectAll bool
	acceptMax int // >0 时只接受前 N 张订单, 之后全部拒绝
}

func (g *mockGateway) SubmitOrder(req models.OrderRequest) (string, error) {
	if g.rejectAll || (g.acceptMax > 0 && len(g.brokerIDs) >= g.acceptMax) {
		return "", errors.New("insufficient balance")
	}
	g.nextID++
	id := fmt.Sprintf("mock-%d", g.nextID)
	g.submitted = append(g.submitted, req)
	g.brokerIDs = append(g.brokerIDs, id)
	return id, nil
}

func (g *mockGateway) CancelOrder(brokerID string) error {
	g.canceled = append(g.canceled, brokerID)
	return nil
}

type mockAccounts struct {
	capital float64
}

func (a mockAccounts) AvailableCapital(string) (float64, error) {
	return a.capital, nil
}

var execPair = models.PairConfig{Leg1: "AAAUSDT", Leg2: "BBBUSDT"}

func buildLevels(t *testing.T) (entry, exit *grid.Level) {
	t.Helper()
	var err error
	entry, err = grid.NewLevel(execPair, models.LevelConfig{
		LevelID: "g1", Kind: "ENTRY", Direction: "LONG_SPREAD", ThresholdPct: -0.01,
		PairedExitLevelID: "g1-exit", PositionSizeFraction: 0.5,
	})
	require.NoError(t, err)
	exit, err = grid.NewLevel(execPair, models.LevelConfig{
		LevelID: "g1-exit", Kind: "EXIT", Direction: "SHORT_SPREAD", ThresholdPct: 0.02,
		PositionSizeFraction: 0.5,
	})
	require.NoError(t, err)
	return entry, exit
}

func newTestManager(gw *mockGateway, maxRetry int) (*Manager, *position.Manager) {
	pos := position.NewManager()
	m := NewManager(gw, mockAccounts{capital: 10000}, pos, maxRetry, false, zap.NewNop().Sugar())
	return m, pos
}

func pairQuote(leg1Bid, leg1Ask, leg2Bid, leg2Ask float64) models.PairQuote {
	now := time.Now()
	return models.PairQuote{
		Leg1:      models.Quote{Symbol: execPair.Leg1, BidPrice: leg1Bid, AskPrice: leg1Ask, Timestamp: now},
		Leg2:      models.Quote{Symbol: execPair.Leg2, BidPrice: leg2Bid, AskPrice: leg2Ask, Timestamp: now},
		Timestamp: now,
	}
}

func fill(m *Manager, brokerID string, qty, price float64, status models.OrderStatus) {
	m.HandleOrderUpdate(models.OrderUpdate{
		BrokerID:  brokerID,
		Status:    status,
		FillQty:   qty,
		FillPrice: price,
		Timestamp: time.Now(),
	})
}

func TestOpenSubmitsBothLegs(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)

	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	// 0.5 * min(10000, 10000) / 100 = 50
	assert.InDelta(t, 50, target.TargetQty, models.FloatTolerance)
	assert.Equal(t, models.TargetSubmitted, target.Status)
	assert.True(t, m.HasActiveTarget(entry.Hash()))

	require.Len(t, gw.submitted, 2)
	assert.Equal(t, execPair.Leg1, gw.submitted[0].Symbol)
	assert.InDelta(t, 50, gw.submitted[0].Qty, models.FloatTolerance)
	assert.Equal(t, "MARKET", gw.submitted[0].OrderType)
	assert.Equal(t, execPair.Leg2, gw.submitted[1].Symbol)
	assert.InDelta(t, -50, gw.submitted[1].Qty, models.FloatTolerance)
}

func TestOpenShortSpreadSellsLeg1(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, err := grid.NewLevel(execPair, models.LevelConfig{
		LevelID: "s1", Kind: "ENTRY", Direction: "SHORT_SPREAD", ThresholdPct: 0.01,
		PairedExitLevelID: "s1-exit", PositionSizeFraction: 0.5,
	})
	require.NoError(t, err)

	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: 0.012},
		pairQuote(100, 100.1, 100, 100.1))
	require.NoError(t, err)

	// 做空价差以腿1买一价估算并卖出腿1
	assert.InDelta(t, -50, target.TargetQty, models.FloatTolerance)
	require.Len(t, gw.submitted, 2)
	assert.InDelta(t, -50, gw.submitted[0].Qty, models.FloatTolerance)
	assert.InDelta(t, 50, gw.submitted[1].Qty, models.FloatTolerance)
}

func TestPartialFillIdempotence(t *testing.T) {
	// 同一目标分别经历 40%+60% 两笔回报与 100% 单笔回报,
	// 最终持仓与目标状态必须一致
	runFills := func(split bool) (*Manager, *grid.Level, string) {
		gw := &mockGateway{}
		m, _ := newTestManager(gw, 0)
		entry, _ := buildLevels(t)
		target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
			pairQuote(99.9, 100, 100, 100.1))
		require.NoError(t, err)

		leg1ID, leg2ID := gw.brokerIDs[0], gw.brokerIDs[1]
		qty := target.TargetQty
		if split {
			fill(m, leg1ID, 0.4*qty, 100, models.OrderPartiallyFilled)
			fill(m, leg1ID, 0.6*qty, 100, models.OrderFilled)
			fill(m, leg2ID, -0.4*qty, 100, models.OrderPartiallyFilled)
			fill(m, leg2ID, -0.6*qty, 100, models.OrderFilled)
		} else {
			fill(m, leg1ID, qty, 100, models.OrderFilled)
			fill(m, leg2ID, -qty, 100, models.OrderFilled)
		}
		return m, entry, target.Hash
	}

	mSplit, entry, hashSplit := runFills(true)
	mWhole, _, hashWhole := runFills(false)

	s1, s2 := mSplit.NetExposure(entry.Hash())
	w1, w2 := mWhole.NetExposure(entry.Hash())
	assert.InDelta(t, w1, s1, models.FloatTolerance)
	assert.InDelta(t, w2, s2, models.FloatTolerance)

	ts, _ := mSplit.TargetByHash(hashSplit)
	tw, _ := mWhole.TargetByHash(hashWhole)
	assert.Equal(t, models.TargetFilled, ts.Status)
	assert.Equal(t, models.TargetFilled, tw.Status)
	assert.False(t, mSplit.HasActiveTarget(entry.Hash()))
	assert.False(t, mWhole.HasActiveTarget(entry.Hash()))
}

func TestBrokerIDExclusivity(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)
	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	leg1ID := gw.brokerIDs[0]
	snap, _ := m.TargetByHash(target.Hash)
	leg1Group := snap.Groups[0]

	// 提交后: 在途集合持有, 完成回执为空
	_, active := leg1Group.ActiveBrokerIDs[leg1ID]
	assert.True(t, active)
	assert.Empty(t, leg1Group.CompletedTickets)

	// 部分成交 (非终态): 仍在在途集合
	fill(m, leg1ID, 20, 100, models.OrderPartiallyFilled)
	snap, _ = m.TargetByHash(target.Hash)
	_, active = snap.Groups[0].ActiveBrokerIDs[leg1ID]
	assert.True(t, active)
	assert.Empty(t, snap.Groups[0].CompletedTickets)

	// 终态回报: 移入完成回执, 从在途集合消失, 数量为逐笔累计
	fill(m, leg1ID, 30, 101, models.OrderFilled)
	snap, _ = m.TargetByHash(target.Hash)
	_, active = snap.Groups[0].ActiveBrokerIDs[leg1ID]
	assert.False(t, active)
	require.Len(t, snap.Groups[0].CompletedTickets, 1)
	ticket := snap.Groups[0].CompletedTickets[0]
	assert.Equal(t, leg1ID, ticket.BrokerID)
	assert.InDelta(t, 50, ticket.FilledQty, models.FloatTolerance)
	assert.Equal(t, int(models.OrderFilled), ticket.Status)
}

func TestLateUpdateAfterTerminalIgnored(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)
	_, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	leg1ID := gw.brokerIDs[0]
	fill(m, leg1ID, 50, 100, models.OrderFilled)
	leg1Before, _ := m.NetExposure(entry.Hash())

	// 终态之后的迟到回报不得再改变台账
	fill(m, leg1ID, 5, 100, models.OrderFilled)
	leg1After, _ := m.NetExposure(entry.Hash())
	assert.InDelta(t, leg1Before, leg1After, models.FloatTolerance)
}

func TestRejectionMarksTargetInvalid(t *testing.T) {
	gw := &mockGateway{rejectAll: true}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)

	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	// 拒单是终态错误: 目标 INVALID, 不进入重试, 线路立即解除占用
	assert.Equal(t, models.TargetInvalid, target.Status)
	assert.False(t, m.HasActiveTarget(entry.Hash()))
	m.RetryPending()
	assert.Empty(t, gw.submitted)
}

func TestRejectionCancelsSiblingOrder(t *testing.T) {
	gw := &mockGateway{acceptMax: 1}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)

	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	// 腿1已提交, 腿2被拒: 目标进入 INVALID 终态前必须先撤掉腿1的在途订单,
	// 不能让一张活订单挂在死目标下继续积累单腿敞口
	assert.Equal(t, models.TargetInvalid, target.Status)
	require.Len(t, gw.brokerIDs, 1)
	assert.Equal(t, gw.brokerIDs, gw.canceled)
	assert.Equal(t, 0, target.ActiveBrokerCount())
	assert.False(t, m.HasActiveTarget(entry.Hash()))

	// 被撤订单的迟到回报不再入账
	fill(m, gw.brokerIDs[0], 10, 100, models.OrderFilled)
	leg1, _ := m.NetExposure(entry.Hash())
	assert.InDelta(t, 0, leg1, models.FloatTolerance)
}

func TestCloseRejectsAsymmetricResidue(t *testing.T) {
	gw := &mockGateway{}
	m, pos := newTestManager(gw, 0)
	entry, exit := buildLevels(t)

	// 部分成交的开仓目标被撤销后, 可能出现腿1已平而腿2残留的不对称敞口;
	// 零数量的平仓目标永远无法到达终态, 必须报错而不是占用网格线
	pos.Restore(entry, 0, -30)
	_, err := m.Close(grid.Trigger{Level: exit, EntryLevel: entry, SpreadPct: 0.021})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "腿2残留")
	assert.Empty(t, gw.submitted)
	assert.False(t, m.HasActiveTarget(exit.Hash()))
}

func TestCancelTargetDrainsActiveOrders(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)
	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	// 腿1部分成交后整体撤销
	fill(m, gw.brokerIDs[0], 20, 100, models.OrderPartiallyFilled)
	m.CancelTarget(target.Hash)

	snap, _ := m.TargetByHash(target.Hash)
	assert.Equal(t, models.TargetCanceled, snap.Status)
	assert.Equal(t, 0, snap.ActiveBrokerCount())
	assert.ElementsMatch(t, gw.brokerIDs, gw.canceled)
	assert.False(t, m.HasActiveTarget(entry.Hash()))

	// 已成交的 20 保留在回执与台账中, 撤销不抹掉历史
	require.Len(t, snap.Groups[0].CompletedTickets, 1)
	assert.InDelta(t, 20, snap.Groups[0].CompletedTickets[0].FilledQty, models.FloatTolerance)
	leg1, _ := m.NetExposure(entry.Hash())
	assert.InDelta(t, 20, leg1, models.FloatTolerance)
}

func TestRetryPendingResubmitsAndHonorsCap(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 1)
	entry, _ := buildLevels(t)
	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)

	// 外部引擎把两腿订单都撤掉且零成交, 留下全部余量
	fill(m, gw.brokerIDs[0], 0, 0, models.OrderCanceled)
	fill(m, gw.brokerIDs[1], 0, 0, models.OrderCanceled)

	m.RetryPending()
	require.Len(t, gw.submitted, 4, "第一次重试应为两腿各补一单")

	// 再次被撤, 重试次数已达上限: 整体撤销而不是无限补单
	fill(m, gw.brokerIDs[2], 0, 0, models.OrderCanceled)
	fill(m, gw.brokerIDs[3], 0, 0, models.OrderCanceled)
	m.RetryPending()

	snap, _ := m.TargetByHash(target.Hash)
	assert.Equal(t, models.TargetCanceled, snap.Status)
	assert.Len(t, gw.submitted, 4)
}

func TestRoundTripRealizesPnL(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, exit := buildLevels(t)

	var persistCalls int
	m.SetPersistHook(func() { persistCalls++ })

	// 开仓: 价差 -1.2%, 腿1@98.8 买入, 腿2@100 卖出
	openTarget, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(98.7, 98.8, 100, 100))
	require.NoError(t, err)
	qty := openTarget.TargetQty
	fill(m, gw.brokerIDs[0], qty, 98.8, models.OrderFilled)
	fill(m, gw.brokerIDs[1], -qty, 100, models.OrderFilled)
	assert.Equal(t, 1, persistCalls, "开仓目标到达终态应触发一次落盘")

	snap, _ := m.TargetByHash(openTarget.Hash)
	assert.Equal(t, models.TargetFilled, snap.Status)

	// 平仓: 价差 +2.1%, 腿1@102.1 卖出, 腿2@100 买回
	closeTarget, err := m.Close(grid.Trigger{Level: exit, EntryLevel: entry, SpreadPct: 0.021})
	require.NoError(t, err)
	assert.InDelta(t, -qty, closeTarget.TargetQty, models.FloatTolerance)
	fill(m, gw.brokerIDs[2], -qty, 102.1, models.OrderFilled)
	fill(m, gw.brokerIDs[3], qty, 100, models.OrderFilled)

	snap, _ = m.TargetByHash(closeTarget.Hash)
	assert.Equal(t, models.TargetFilled, snap.Status)

	// 台账归零, 往返记录一条, 盈亏 = qty * (102.1 - 98.8)
	leg1, leg2 := m.NetExposure(entry.Hash())
	assert.InDelta(t, 0, leg1, models.FloatTolerance)
	assert.InDelta(t, 0, leg2, models.FloatTolerance)
	trips := m.RoundTrips()
	require.Len(t, trips, 1)
	assert.Equal(t, "g1", trips[0].EntryLevelID)
	assert.InDelta(t, qty*3.3, m.RealizedPnL(), 1e-6)
	assert.Equal(t, 2, persistCalls)
}

func TestCloseWithoutExposure(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, exit := buildLevels(t)

	_, err := m.Close(grid.Trigger{Level: exit, EntryLevel: entry, SpreadPct: 0.021})
	assert.Error(t, err)
	assert.Empty(t, gw.submitted)
}

func TestRestoreTargetRebindsBrokerIndex(t *testing.T) {
	gw := &mockGateway{}
	m, _ := newTestManager(gw, 0)
	entry, _ := buildLevels(t)
	target, err := m.Open(grid.Trigger{Level: entry, EntryLevel: entry, SpreadPct: -0.012},
		pairQuote(99.9, 100, 100, 100.1))
	require.NoError(t, err)
	fill(m, gw.brokerIDs[0], 20, 100, models.OrderPartiallyFilled)

	recs, err := m.Records()
	require.NoError(t, err)
	rec, ok := recs[target.Hash]
	require.True(t, ok)

	// 重启后的全新管理器用快照记录重建目标
	gw2 := &mockGateway{}
	m2, _ := newTestManager(gw2, 0)
	err = m2.RestoreTarget(target.Hash, rec, func(gridID string) *grid.Level {
		if gridID == entry.GridID() {
			return entry
		}
		return nil
	})
	require.NoError(t, err)

	restored, ok := m2.TargetByHash(target.Hash)
	require.True(t, ok)
	assert.Equal(t, target.GridID, restored.GridID)
	assert.Equal(t, models.TargetPartiallyFilled, restored.Status)
	assert.True(t, m2.HasActiveTarget(entry.Hash()))

	// 重建后的在途订单可以继续接收成交回报
	fill(m2, gw.brokerIDs[0], 30, 100, models.OrderFilled)
	restored, _ = m2.TargetByHash(target.Hash)
	require.Len(t, restored.Groups[0].CompletedTickets, 1)
}

func TestRestoreTargetHashMismatch(t *testing.T) {
	m, _ := newTestManager(&mockGateway{}, 0)
	entry, _ := buildLevels(t)

	rec := models.ExecutionTargetRecord{GridID: entry.GridID() + "@1", TargetQty: 50}
	err := m.RestoreTarget("bogus-hash", rec, func(string) *grid.Level { return entry })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "结构哈希不匹配")
}

func TestSplitGridID(t *testing.T) {
	gridID, seq, err := SplitGridID("AAAUSDT/BBBUSDT#g1@7")
	require.NoError(t, err)
	assert.Equal(t, "AAAUSDT/BBBUSDT#g1", gridID)
	assert.Equal(t, uint64(7), seq)

	_, _, err = SplitGridID("AAAUSDT/BBBUSDT#g1")
	assert.Error(t, err)
	_, _, err = SplitGridID("AAAUSDT/BBBUSDT#g1@x")
	assert.Error(t, err)
}
