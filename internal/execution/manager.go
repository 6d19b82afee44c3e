package execution

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/models"
	"pair-grid-bot-go/internal/position"

	"go.uber.org/zap"
)

// Gateway 是外部撮合引擎的下单接口。
type Gateway interface {
	// SubmitOrder 提交单腿订单, 返回外部分配的 broker id。
	SubmitOrder(req models.OrderRequest) (string, error)
	// CancelOrder 要求外部引擎撤销一张在途订单。
	CancelOrder(brokerID string) error
}

// AccountProvider 报告某条腿路由账户的可用购买力, 用于目标数量的计算。
type AccountProvider interface {
	AvailableCapital(symbol string) (float64, error)
}

// RoundTrip 记录一次完成的开平往返
type RoundTrip struct {
	PairSymbol   string
	EntryLevelID string
	RealizedPnL  float64
}

// Manager 是执行状态机的中心修改者: 创建目标、提交订单、对账成交、
// 更新持仓台账并在目标到达终态时触发持久化。
// 目标表由 Manager 独占, 其他组件只能读快照。
type Manager struct {
	gateway   Gateway
	accounts  AccountProvider
	positions *position.Manager
	logger    *zap.SugaredLogger

	maxRetryAttempts int
	persistOnFill    bool
	persistHook      func() // 由装配方注入, 指向 StatePersistence

	seq           uint64
	targets       map[string]*Target
	activeByLevel map[string]string  // 触发线哈希 -> 在途目标哈希
	brokerIndex   map[string]*Target // broker id -> 目标

	cashByEntry map[string]float64 // 归属 ENTRY 线的累计现金流, 平仓归零时确认盈亏
	realizedPnL float64
	roundTrips  []RoundTrip
}

// NewManager 创建执行管理器。persistHook 可以为 nil (测试场景)。
func NewManager(gateway Gateway, accounts AccountProvider, positions *position.Manager,
	maxRetryAttempts int, persistOnFill bool, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		gateway:          gateway,
		accounts:         accounts,
		positions:        positions,
		logger:           logger,
		maxRetryAttempts: maxRetryAttempts,
		persistOnFill:    persistOnFill,
		targets:          make(map[string]*Target),
		activeByLevel:    make(map[string]string),
		brokerIndex:      make(map[string]*Target),
		cashByEntry:      make(map[string]float64),
	}
}

// SetPersistHook 注入终态持久化回调。
// Manager 故意不直接依赖持久化层, 避免两个包互相引用。
func (m *Manager) SetPersistHook(hook func()) {
	m.persistHook = hook
}

// ---- grid.PositionView 实现 ----

// NetExposure 返回归属某条 ENTRY 线的两腿净持仓。
func (m *Manager) NetExposure(entryLevelHash string) (float64, float64) {
	return m.positions.NetExposure(entryLevelHash)
}

// HasActiveTarget 报告某条线是否有未到终态的目标。
func (m *Manager) HasActiveTarget(levelHash string) bool {
	_, ok := m.activeByLevel[levelHash]
	return ok
}

// ActiveTargetHash 返回某条线在途目标的哈希。
func (m *Manager) ActiveTargetHash(levelHash string) (string, bool) {
	h, ok := m.activeByLevel[levelHash]
	return h, ok
}

// ---- 目标创建 ----

// Open 为一次 ENTRY 触发创建并提交执行目标。
// 目标数量 = 仓位比例 × 两腿可用购买力的较小值 / 腿1的可执行价。
func (m *Manager) Open(trigger grid.Trigger, quote models.PairQuote) (*Target, error) {
	level := trigger.Level
	cap1, err := m.accounts.AvailableCapital(level.Pair.Leg1)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 可用资金失败: %w", level.Pair.Leg1, err)
	}
	cap2, err := m.accounts.AvailableCapital(level.Pair.Leg2)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 可用资金失败: %w", level.Pair.Leg2, err)
	}

	// 做多价差买入腿1, 以卖一价估算; 做空价差以买一价估算
	refPrice := quote.Leg1.AskPrice
	if level.Direction == grid.ShortSpread {
		refPrice = quote.Leg1.BidPrice
	}
	if refPrice <= 0 {
		return nil, fmt.Errorf("目标 %s: 腿1参考价非法 (%v)", level.GridID(), refPrice)
	}

	qty := level.PositionSizeFraction * math.Min(cap1, cap2) / refPrice
	if qty <= models.FloatTolerance {
		return nil, fmt.Errorf("目标 %s: 可用资金不足, 计算数量为 %v", level.GridID(), qty)
	}
	if level.Direction == grid.ShortSpread {
		qty = -qty // 腿1卖出
	}
	return m.createAndSubmit(trigger, qty)
}

// Close 为一次 EXIT 触发创建平仓目标, 数量正好冲平 ENTRY 线的现有敞口。
// 平仓数量由腿1敞口驱动; 腿1已平而腿2仍有残留的不对称敞口
// (部分成交的开仓目标被撤销后可能出现) 无法被零数量目标冲平,
// 必须报错交给人工处理, 否则空目标会永久占用网格线。
func (m *Manager) Close(trigger grid.Trigger) (*Target, error) {
	leg1, leg2 := m.positions.NetExposure(trigger.EntryLevel.Hash())
	if math.Abs(leg1) <= models.FloatTolerance {
		if math.Abs(leg2) > models.FloatTolerance {
			return nil, fmt.Errorf("目标 %s: 腿1已平而腿2残留 %.6f, 需要人工处理",
				trigger.Level.GridID(), leg2)
		}
		return nil, fmt.Errorf("目标 %s: 无可平敞口", trigger.Level.GridID())
	}
	return m.createAndSubmit(trigger, -leg1)
}

func (m *Manager) createAndSubmit(trigger grid.Trigger, leg1Qty float64) (*Target, error) {
	m.seq++
	t := newTarget(trigger, m.seq, leg1Qty)
	m.targets[t.Hash] = t
	m.activeByLevel[trigger.Level.Hash()] = t.Hash

	m.logger.Infof("创建执行目标 %s: 状态 %s, 腿1目标数量 %.6f (触发价差 %.4f%%)",
		t.GridID, t.Status, leg1Qty, trigger.SpreadPct*100)

	m.submitRemaining(t)
	m.afterMutation(t, false)
	return t, nil
}

// submitRemaining 为目标下所有仍有余量的订单组提交市价单。
// 两腿的提交尽可能贴近, 但模型不假设跨市场原子成交:
// PARTIALLY_FILLED 是一等公民状态而不是异常。
func (m *Manager) submitRemaining(t *Target) {
	if t.Status.IsTerminal() {
		return
	}
	rejected := false
	for _, g := range t.Groups {
		if rejected {
			break // 一条腿被拒后不再提交后续腿
		}
		if g.Remaining() == 0 || len(g.ActiveBrokerIDs) > 0 {
			continue
		}
		brokerID, err := m.gateway.SubmitOrder(models.OrderRequest{
			Symbol:    g.Symbol,
			Qty:       g.Remaining(),
			OrderType: "MARKET",
		})
		if err != nil {
			// 订单被拒通常意味着配置或购买力问题, 重试解决不了;
			// 记为 INVALID 终态并上报操作员, 不做自动重试。
			m.logger.Errorf("目标 %s 腿 %s 下单被拒: %v", t.GridID, g.Type, err)
			g.CompletedTickets = append(g.CompletedTickets, models.OrderTicket{
				BrokerID: fmt.Sprintf("rejected-%s-%d", g.Type, len(g.CompletedTickets)),
				Status:   int(models.OrderInvalid),
			})
			rejected = true
			continue
		}
		g.Track(brokerID)
		m.brokerIndex[brokerID] = t
		m.logger.Debugf("目标 %s 腿 %s 已提交订单 %s, 数量 %.6f", t.GridID, g.Type, brokerID, g.Remaining())
	}
	if rejected {
		// 目标即将进入 INVALID 终态, 另一条腿已提交的在途订单必须
		// 先撤掉, 否则死目标下会挂着一张继续成交的活订单
		m.drainActiveOrders(t)
	}
	t.recomputeStatus()
}

// drainActiveOrders 撤掉目标下全部在途订单, 把逐笔累计并入完成回执,
// 并解除 broker 索引。CancelTarget 与拒单处理共用这条路径。
func (m *Manager) drainActiveOrders(t *Target) {
	for _, g := range t.Groups {
		ids := make([]string, 0, len(g.ActiveBrokerIDs))
		for id := range g.ActiveBrokerIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := m.gateway.CancelOrder(id); err != nil {
				m.logger.Warnf("撤销订单 %s 失败: %v", id, err)
			}
			accum := g.activeAccum[id]
			qty, price := 0.0, 0.0
			if accum != nil {
				qty, price = accum.qty, accum.lastPrice
			}
			delete(g.ActiveBrokerIDs, id)
			delete(g.activeAccum, id)
			delete(m.brokerIndex, id)
			g.CompletedTickets = append(g.CompletedTickets, models.OrderTicket{
				BrokerID:  id,
				FilledQty: qty,
				FillPrice: price,
				Status:    int(models.OrderCanceled),
			})
		}
	}
}

// ---- 成交对账 ----

// HandleOrderUpdate 处理外部引擎回报的一条订单事件:
// 定位订单组、搬移在途/完成集合、累计数量、更新持仓台账,
// 最后重新聚合目标状态。未知 broker id 的事件被丢弃并告警。
func (m *Manager) HandleOrderUpdate(u models.OrderUpdate) {
	t, ok := m.brokerIndex[u.BrokerID]
	if !ok {
		m.logger.Warnf("收到未知订单 %s 的回报 (状态 %s), 已忽略", u.BrokerID, u.Status)
		return
	}
	g := t.groupFor(u.BrokerID)
	if g == nil {
		m.logger.Warnf("订单 %s 在目标 %s 中找不到归属订单组", u.BrokerID, t.GridID)
		return
	}

	delta, handled := g.ApplyUpdate(u)
	if !handled {
		return
	}
	if u.Status.IsTerminal() {
		delete(m.brokerIndex, u.BrokerID)
	}

	if delta != 0 {
		leg := 1
		if g.Type == Leg2 {
			leg = 2
		}
		m.positions.ApplyFill(t.EntryLevel, leg, delta)
		m.cashByEntry[t.EntryLevel.Hash()] -= delta * u.FillPrice
	}

	prev := t.Status
	t.recomputeStatus()
	if t.Status != prev {
		m.logger.Infof("目标 %s 状态: %s -> %s", t.GridID, prev, t.Status)
	}
	m.settleIfFlat(t)
	m.afterMutation(t, true)
}

// settleIfFlat 在台账回到零时确认这条 ENTRY 线的已实现盈亏。
func (m *Manager) settleIfFlat(t *Target) {
	if t.Level.Kind != grid.Exit {
		return
	}
	leg1, leg2 := m.positions.NetExposure(t.EntryLevel.Hash())
	if math.Abs(leg1) > models.FloatTolerance || math.Abs(leg2) > models.FloatTolerance {
		return
	}
	pnl := m.cashByEntry[t.EntryLevel.Hash()]
	if pnl == 0 {
		return
	}
	m.realizedPnL += pnl
	m.roundTrips = append(m.roundTrips, RoundTrip{
		PairSymbol:   t.Level.Pair.Symbol(),
		EntryLevelID: t.EntryLevel.LevelID,
		RealizedPnL:  pnl,
	})
	m.cashByEntry[t.EntryLevel.Hash()] = 0
	m.logger.Infof("网格线 %s 完成一次往返, 已实现盈亏 %.4f", t.EntryLevel.GridID(), pnl)
}

// afterMutation 维护目标索引并按策略触发持久化。
func (m *Manager) afterMutation(t *Target, isFill bool) {
	if t.Status.IsTerminal() {
		if cur, ok := m.activeByLevel[t.Level.Hash()]; ok && cur == t.Hash {
			delete(m.activeByLevel, t.Level.Hash())
		}
	}
	if m.persistHook == nil {
		return
	}
	if t.Status.IsTerminal() || (isFill && m.persistOnFill) {
		m.persistHook()
	}
}

// ---- 重试与撤销 ----

// RetryPending 由外部按周期调用, 为未被在途订单覆盖的余量重新下单。
// 余量重试刻意不在成交回调里自动发起, 避免成交风暴下的无界递归。
// 超过最大重试次数的目标被整体撤销。
func (m *Manager) RetryPending() {
	for _, h := range m.sortedTargetHashes() {
		t := m.targets[h]
		if t.Status.IsTerminal() {
			continue
		}
		needsRetry := false
		for _, g := range t.Groups {
			if g.Remaining() != 0 && len(g.ActiveBrokerIDs) == 0 {
				needsRetry = true
			}
		}
		if !needsRetry {
			continue
		}
		if m.maxRetryAttempts > 0 && t.RetryCount >= m.maxRetryAttempts {
			m.logger.Warnf("目标 %s 重试 %d 次仍未成交, 执行撤销", t.GridID, t.RetryCount)
			m.CancelTarget(t.Hash)
			continue
		}
		t.RetryCount++
		m.logger.Infof("目标 %s 第 %d 次补单", t.GridID, t.RetryCount)
		m.submitRemaining(t)
		m.afterMutation(t, false)
	}
}

// CancelTarget 显式撤销一个目标: 先让外部引擎撤掉全部在途订单,
// 再把目标置为 CANCELED 终态。信号反转与人工干预都走这条路径。
func (m *Manager) CancelTarget(hash string) {
	t, ok := m.targets[hash]
	if !ok || t.Status.IsTerminal() {
		return
	}
	m.drainActiveOrders(t)
	t.Status = models.TargetCanceled
	m.logger.Infof("目标 %s 已撤销", t.GridID)
	m.afterMutation(t, false)
}

// ---- 只读快照 ----

// Positions 返回持仓台账快照。
func (m *Manager) Positions() []position.Position {
	return m.positions.Rows()
}

// ActiveTargets 返回全部未到终态目标的副本快照。
func (m *Manager) ActiveTargets() []Target {
	var out []Target
	for _, h := range m.sortedTargetHashes() {
		t := m.targets[h]
		if !t.Status.IsTerminal() {
			out = append(out, *t)
		}
	}
	return out
}

// TargetByHash 返回某个目标的快照副本。
func (m *Manager) TargetByHash(hash string) (Target, bool) {
	if t, ok := m.targets[hash]; ok {
		return *t, true
	}
	return Target{}, false
}

// RealizedPnL 返回累计已实现盈亏。
func (m *Manager) RealizedPnL() float64 {
	return m.realizedPnL
}

// RoundTrips 返回全部已完成往返的副本。
func (m *Manager) RoundTrips() []RoundTrip {
	out := make([]RoundTrip, len(m.roundTrips))
	copy(out, m.roundTrips)
	return out
}

func (m *Manager) sortedTargetHashes() []string {
	hashes := make([]string, 0, len(m.targets))
	for h := range m.targets {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// ---- 持久化协作 ----

// Records 导出全部目标的持久化形态, 键为目标结构哈希。
func (m *Manager) Records() (map[string]models.ExecutionTargetRecord, error) {
	out := make(map[string]models.ExecutionTargetRecord, len(m.targets))
	for h, t := range m.targets {
		rec, err := t.Record()
		if err != nil {
			return nil, err
		}
		out[h] = rec
	}
	return out, nil
}

// RestoreTarget 在恢复阶段用持久化记录重建一个目标。
// levelLookup 按网格线的 GridID 返回重启后新构造的同一条线;
// 找不到说明配置与快照不一致, 必须报错中止启动。
func (m *Manager) RestoreTarget(hash string, rec models.ExecutionTargetRecord,
	levelLookup func(gridID string) *grid.Level) error {

	gridID, seq, err := SplitGridID(rec.GridID)
	if err != nil {
		return err
	}
	level := levelLookup(gridID)
	if level == nil {
		return fmt.Errorf("快照目标 %s 在当前网格配置中找不到对应网格线", rec.GridID)
	}
	if got := grid.TargetHash(level, seq); got != hash {
		return fmt.Errorf("快照目标 %s 结构哈希不匹配: 期望 %s, 实际 %s", rec.GridID, hash, got)
	}

	t := &Target{
		Hash:      hash,
		GridID:    rec.GridID,
		Level:     level,
		Seq:       seq,
		TargetQty: rec.TargetQty,
		Status:    models.TargetStatus(rec.Status),
	}
	if level.Kind == grid.Entry {
		t.EntryLevel = level // EXIT 目标的归属线由恢复方通过 SetEntryLevel 补挂
	}
	for _, gr := range rec.OrderGroups {
		symbol := level.Pair.Leg1
		targetQty := rec.TargetQty
		if LegType(gr.Type) == Leg2 {
			symbol = level.Pair.Leg2
			targetQty = -rec.TargetQty
		}
		g, err := restoreOrderGroup(gr, symbol, targetQty)
		if err != nil {
			return fmt.Errorf("快照目标 %s: %w", rec.GridID, err)
		}
		t.Groups = append(t.Groups, g)
		for id := range g.ActiveBrokerIDs {
			m.brokerIndex[id] = t
		}
	}

	m.targets[hash] = t
	if !t.Status.IsTerminal() {
		m.activeByLevel[level.Hash()] = hash
	}
	if seq > m.seq {
		m.seq = seq
	}
	return nil
}

// SetEntryLevel 在恢复阶段补挂台账归属线 (EXIT 目标的配对 ENTRY)。
func (m *Manager) SetEntryLevel(hash string, entry *grid.Level) {
	if t, ok := m.targets[hash]; ok {
		t.EntryLevel = entry
	}
}

// ReconcileRestoredTargets 在全部目标与台账恢复完成后, 用台账敞口修正
// 仍有在途订单的订单组的累计成交数量。
//
// 完成回执只覆盖崩溃前已到终态的订单; 在途订单崩溃前的部分成交不在
// 回执里, 却已经记入了台账。不做修正的话, 订单组的余量被高估, 补单
// 会在仓位已经到位后重复下单。反推依据:
//   - ENTRY 目标创建的前提是台账为零, 因此当前台账敞口全部来自该目标;
//   - EXIT 目标创建时的敞口等于 -TargetQty, 当前台账与它的差即本目标
//     的已成交量。
// 必须在 Restore 补挂 EntryLevel 之后调用。
func (m *Manager) ReconcileRestoredTargets() {
	for _, h := range m.sortedTargetHashes() {
		t := m.targets[h]
		if t.Status.IsTerminal() || t.EntryLevel == nil {
			continue
		}
		leg1, leg2 := m.positions.NetExposure(t.EntryLevel.Hash())
		for _, g := range t.Groups {
			if len(g.ActiveBrokerIDs) == 0 {
				continue // 没有在途订单的组, 回执之和就是全部真相
			}
			var filled float64
			switch {
			case t.Level.Kind == grid.Entry && g.Type == Leg1:
				filled = leg1
			case t.Level.Kind == grid.Entry && g.Type == Leg2:
				filled = leg2
			case g.Type == Leg1:
				filled = leg1 + t.TargetQty
			default:
				filled = leg2 - t.TargetQty
			}
			if math.Abs(filled-g.FilledQty) > models.FloatTolerance {
				m.logger.Infof("目标 %s 腿 %s 恢复后校准成交量: %.6f -> %.6f",
					t.GridID, g.Type, g.FilledQty, filled)
				g.FilledQty = filled
			}
		}
	}
}

// SplitGridID 把 "LEG1/LEG2#level@seq" 形式的 grid_id 拆回网格线标识与创建序号。
func SplitGridID(gridID string) (string, uint64, error) {
	at := strings.LastIndex(gridID, "@")
	if at < 0 {
		return "", 0, fmt.Errorf("grid_id %q 缺少创建序号", gridID)
	}
	seq, err := strconv.ParseUint(gridID[at+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("grid_id %q 的创建序号非法: %w", gridID, err)
	}
	return gridID[:at], seq, nil
}
