package execution

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/models"
)

// LegType 标识订单组服务于配对中的哪条腿
type LegType string

const (
	Leg1 LegType = "LEG1"
	Leg2 LegType = "LEG2"
)

// OrderGroup 是执行目标下单腿的订单集合。
// 不变式: 一个 broker id 要么在 ActiveBrokerIDs 中, 要么在 CompletedTickets
// 中, 提交过的订单绝不会同时出现在两边或两边都不出现。
type OrderGroup struct {
	Type      LegType
	Symbol    string
	TargetQty float64 // 带符号的本腿目标数量
	FilledQty float64 // 带符号的累计成交数量

	ActiveBrokerIDs  map[string]struct{}
	CompletedTickets []models.OrderTicket

	// 在途订单的逐笔累计, 终态时并入回执
	activeAccum map[string]*orderAccum
}

type orderAccum struct {
	qty       float64
	lastPrice float64
}

func newOrderGroup(legType LegType, symbol string, targetQty float64) *OrderGroup {
	return &OrderGroup{
		Type:            legType,
		Symbol:          symbol,
		TargetQty:       targetQty,
		ActiveBrokerIDs: make(map[string]struct{}),
		activeAccum:     make(map[string]*orderAccum),
	}
}

// Track 登记一张刚提交到外部网关的订单。
func (g *OrderGroup) Track(brokerID string) {
	g.ActiveBrokerIDs[brokerID] = struct{}{}
	g.activeAccum[brokerID] = &orderAccum{}
}

// Owns 报告该订单组是否持有这个 broker id (在途或已完成)。
func (g *OrderGroup) Owns(brokerID string) bool {
	if _, ok := g.ActiveBrokerIDs[brokerID]; ok {
		return true
	}
	for _, t := range g.CompletedTickets {
		if t.BrokerID == brokerID {
			return true
		}
	}
	return false
}

// ApplyUpdate 把一条订单回报对账进订单组。
// 终态回报会把订单从在途集合移入完成回执; 非终态回报只累计数量。
// 返回本次新增的带符号成交数量, 供调用方更新持仓台账。
func (g *OrderGroup) ApplyUpdate(u models.OrderUpdate) (deltaQty float64, handled bool) {
	if _, active := g.ActiveBrokerIDs[u.BrokerID]; !active {
		return 0, false // 已完成订单的迟到回报不再改变任何状态
	}

	accum := g.activeAccum[u.BrokerID]
	if accum == nil {
		accum = &orderAccum{}
		g.activeAccum[u.BrokerID] = accum
	}
	accum.qty += u.FillQty
	if u.FillPrice > 0 {
		accum.lastPrice = u.FillPrice
	}
	g.FilledQty += u.FillQty

	if u.Status.IsTerminal() {
		delete(g.ActiveBrokerIDs, u.BrokerID)
		g.CompletedTickets = append(g.CompletedTickets, models.OrderTicket{
			BrokerID:  u.BrokerID,
			FilledQty: accum.qty,
			FillPrice: accum.lastPrice,
			Status:    int(u.Status),
		})
		delete(g.activeAccum, u.BrokerID)
	}
	return u.FillQty, true
}

// Remaining 返回尚未成交的带符号余量。
func (g *OrderGroup) Remaining() float64 {
	rem := g.TargetQty - g.FilledQty
	if math.Abs(rem) <= models.FloatTolerance {
		return 0
	}
	return rem
}

// HasInvalid 报告是否有订单被网关拒绝。
func (g *OrderGroup) HasInvalid() bool {
	for _, t := range g.CompletedTickets {
		if models.OrderStatus(t.Status) == models.OrderInvalid {
			return true
		}
	}
	return false
}

// Record 导出订单组的持久化形态。完成回执内嵌为 JSON 文本,
// 在途 id 排序后输出以保证快照可逐字节复现。
func (g *OrderGroup) Record() (models.OrderGroupRecord, error) {
	tickets := g.CompletedTickets
	if tickets == nil {
		tickets = []models.OrderTicket{}
	}
	ticketsJSON, err := json.Marshal(tickets)
	if err != nil {
		return models.OrderGroupRecord{}, fmt.Errorf("序列化订单组 %s 的完成回执失败: %w", g.Type, err)
	}

	ids := make([]string, 0, len(g.ActiveBrokerIDs))
	for id := range g.ActiveBrokerIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return models.OrderGroupRecord{
		Type:                 string(g.Type),
		CompletedTicketsJSON: string(ticketsJSON),
		ActiveBrokerIDs:      ids,
	}, nil
}

// restoreOrderGroup 从持久化形态重建订单组。
// 在途 id 被重新挂接, 使重启后的成交回报仍能正确路由;
// 完成回执只用于审计统计, 绝不会被重新提交。
func restoreOrderGroup(rec models.OrderGroupRecord, symbol string, targetQty float64) (*OrderGroup, error) {
	g := newOrderGroup(LegType(rec.Type), symbol, targetQty)

	var tickets []models.OrderTicket
	if rec.CompletedTicketsJSON != "" {
		if err := json.Unmarshal([]byte(rec.CompletedTicketsJSON), &tickets); err != nil {
			return nil, fmt.Errorf("解析订单组 %s 的完成回执失败: %w", rec.Type, err)
		}
	}
	g.CompletedTickets = tickets
	for _, t := range tickets {
		g.FilledQty += t.FilledQty
	}
	for _, id := range rec.ActiveBrokerIDs {
		g.Track(id)
	}
	return g, nil
}

// Target 是一次网格触发产生的在途执行单元, 由 ExecutionManager 独占。
type Target struct {
	Hash       string
	GridID     string
	Level      *grid.Level // 触发线
	EntryLevel *grid.Level // 台账归属线
	Seq        uint64
	TargetQty  float64 // 腿1的带符号目标数量, 腿2取其相反数
	Status     models.TargetStatus
	Groups     []*OrderGroup // 固定顺序: [腿1, 腿2]

	RetryCount int
}

func newTarget(trigger grid.Trigger, seq uint64, leg1Qty float64) *Target {
	level := trigger.Level
	return &Target{
		Hash:       grid.TargetHash(level, seq),
		GridID:     fmt.Sprintf("%s@%d", level.GridID(), seq),
		Level:      level,
		EntryLevel: trigger.EntryLevel,
		Seq:        seq,
		TargetQty:  leg1Qty,
		Status:     models.TargetPending,
		Groups: []*OrderGroup{
			newOrderGroup(Leg1, level.Pair.Leg1, leg1Qty),
			newOrderGroup(Leg2, level.Pair.Leg2, -leg1Qty),
		},
	}
}

// groupFor 按 broker id 定位归属的订单组。
func (t *Target) groupFor(brokerID string) *OrderGroup {
	for _, g := range t.Groups {
		if g.Owns(brokerID) {
			return g
		}
	}
	return nil
}

// recomputeStatus 依据各订单组的成交进度重新聚合目标状态。
// 终态 (FILLED/CANCELED/INVALID) 一经到达不再改变。
func (t *Target) recomputeStatus() {
	if t.Status.IsTerminal() {
		return
	}
	for _, g := range t.Groups {
		if g.HasInvalid() {
			t.Status = models.TargetInvalid
			return
		}
	}

	allFilled := true
	anyFilled := false
	anySubmitted := false
	for _, g := range t.Groups {
		if g.Remaining() != 0 {
			allFilled = false
		}
		if math.Abs(g.FilledQty) > models.FloatTolerance {
			anyFilled = true
		}
		if len(g.ActiveBrokerIDs) > 0 || len(g.CompletedTickets) > 0 {
			anySubmitted = true
		}
	}

	switch {
	case allFilled && anySubmitted:
		t.Status = models.TargetFilled
	case anyFilled:
		t.Status = models.TargetPartiallyFilled
	case anySubmitted:
		t.Status = models.TargetSubmitted
	default:
		t.Status = models.TargetPending
	}
}

// ActiveBrokerCount 返回目标下仍在途的订单数量。
func (t *Target) ActiveBrokerCount() int {
	n := 0
	for _, g := range t.Groups {
		n += len(g.ActiveBrokerIDs)
	}
	return n
}

// Record 导出目标的持久化形态。
func (t *Target) Record() (models.ExecutionTargetRecord, error) {
	groups := make([]models.OrderGroupRecord, 0, len(t.Groups))
	for _, g := range t.Groups {
		rec, err := g.Record()
		if err != nil {
			return models.ExecutionTargetRecord{}, err
		}
		groups = append(groups, rec)
	}
	return models.ExecutionTargetRecord{
		GridID:      t.GridID,
		TargetQty:   t.TargetQty,
		Status:      int(t.Status),
		OrderGroups: groups,
	}, nil
}
