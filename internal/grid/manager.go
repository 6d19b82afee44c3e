package grid

import (
	"fmt"
	"math"
	"sort"

	"pair-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// PositionView 是 Evaluate 在发出触发信号前查询当前仓位状态的只读接口。
// 由 ExecutionManager 实现; GridLevelManager 自身从不持有仓位数据。
type PositionView interface {
	// NetExposure 返回归属到某条 ENTRY 线的两腿累计净持仓。
	NetExposure(entryLevelHash string) (leg1Qty, leg2Qty float64)
	// HasActiveTarget 报告某条线是否已有未到终态的执行目标。
	HasActiveTarget(levelHash string) bool
}

// Trigger 是一次网格线穿越产生的可执行信号
type Trigger struct {
	Level      *Level  // 被穿越的网格线
	EntryLevel *Level  // 台账归属线: ENTRY 触发即自身, EXIT 触发为其配对的 ENTRY
	SpreadPct  float64 // 触发时刻的价差
}

// Manager 持有每个交易配对的网格线集合, 是网格线集合的唯一修改者。
type Manager struct {
	minProfitMultiple float64
	logger            *zap.SugaredLogger
	pairs             map[string]*pairLevels
}

type pairLevels struct {
	pair        models.PairConfig
	levels      []*Level          // 按 level_id 字典序, 保证评估顺序确定
	byID        map[string]*Level
	exitToEntry map[string]*Level // exit level_id -> 引用它的 entry
}

// NewManager 创建网格线管理器。minProfitMultiple 低于 2 会在 SetupPair 时报错。
func NewManager(minProfitMultiple float64, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		minProfitMultiple: minProfitMultiple,
		logger:            logger,
		pairs:             make(map[string]*pairLevels),
	}
}

// SetupPair 校验并登记一个配对的全部网格线。
// 任何校验失败都会返回错误并拒绝整个配对, 绝不静默降级:
// 带着无利可图或自相矛盾的网格开始交易比拒绝启动危险得多。
func (m *Manager) SetupPair(pair models.PairConfig, cfgs []models.LevelConfig, fees models.FeeConfig) error {
	if m.minProfitMultiple < 2 {
		return fmt.Errorf("配对 %s: min_profit_multiple 必须不小于 2, 实际为 %v", pair.Symbol(), m.minProfitMultiple)
	}
	if len(cfgs) == 0 {
		return fmt.Errorf("配对 %s: 网格线列表为空", pair.Symbol())
	}

	pl := &pairLevels{
		pair:        pair,
		byID:        make(map[string]*Level, len(cfgs)),
		exitToEntry: make(map[string]*Level),
	}

	for _, cfg := range cfgs {
		level, err := NewLevel(pair, cfg)
		if err != nil {
			return fmt.Errorf("配对 %s: %w", pair.Symbol(), err)
		}
		if _, dup := pl.byID[level.LevelID]; dup {
			return fmt.Errorf("配对 %s: level_id %q 重复", pair.Symbol(), level.LevelID)
		}
		pl.byID[level.LevelID] = level
		pl.levels = append(pl.levels, level)
	}
	sort.Slice(pl.levels, func(i, j int) bool { return pl.levels[i].LevelID < pl.levels[j].LevelID })

	roundTrip := fees.RoundTripCost()
	for _, entry := range pl.levels {
		if entry.Kind != Entry {
			continue
		}
		exit, ok := pl.byID[entry.PairedExitLevelID]
		if !ok {
			return fmt.Errorf("配对 %s: ENTRY %q 引用了不存在的 EXIT %q",
				pair.Symbol(), entry.LevelID, entry.PairedExitLevelID)
		}
		if exit.Kind != Exit {
			return fmt.Errorf("配对 %s: ENTRY %q 的配对线 %q 不是 EXIT 类型",
				pair.Symbol(), entry.LevelID, exit.LevelID)
		}
		if exit.Direction != entry.Direction.Opposite() {
			return fmt.Errorf("配对 %s: EXIT %q 的方向 %s 不是 ENTRY %q 的平仓方向",
				pair.Symbol(), exit.LevelID, exit.Direction, entry.LevelID)
		}
		if entry.Direction == LongSpread && exit.ThresholdPct <= entry.ThresholdPct {
			return fmt.Errorf("配对 %s: 做多价差的 EXIT 阈值 %v 必须高于 ENTRY 阈值 %v",
				pair.Symbol(), exit.ThresholdPct, entry.ThresholdPct)
		}
		if entry.Direction == ShortSpread && exit.ThresholdPct >= entry.ThresholdPct {
			return fmt.Errorf("配对 %s: 做空价差的 EXIT 阈值 %v 必须低于 ENTRY 阈值 %v",
				pair.Symbol(), exit.ThresholdPct, entry.ThresholdPct)
		}

		// 利润校验: 一开一平捕获的价差必须覆盖往返成本的最小倍数
		captured := math.Abs(entry.ThresholdPct - exit.ThresholdPct)
		required := m.minProfitMultiple * roundTrip
		if captured < required-models.FloatTolerance {
			return fmt.Errorf("配对 %s: ENTRY %q/EXIT %q 捕获价差 %.6f 低于往返成本的 %.1f 倍 (%.6f)",
				pair.Symbol(), entry.LevelID, exit.LevelID, captured, m.minProfitMultiple, required)
		}
		pl.exitToEntry[exit.LevelID] = entry
	}

	m.pairs[pair.Symbol()] = pl
	m.logger.Infof("配对 %s 初始化完成: %d 条网格线通过利润校验 (往返成本 %.6f)",
		pair.Symbol(), len(pl.levels), roundTrip)
	return nil
}

// Levels 返回某配对的全部网格线 (按 level_id 字典序)。
func (m *Manager) Levels(pairSymbol string) []*Level {
	if pl, ok := m.pairs[pairSymbol]; ok {
		return pl.levels
	}
	return nil
}

// EntryFor 返回某条 EXIT 线配对的 ENTRY 线。
func (m *Manager) EntryFor(pairSymbol string, exit *Level) *Level {
	if pl, ok := m.pairs[pairSymbol]; ok {
		return pl.exitToEntry[exit.LevelID]
	}
	return nil
}

// Evaluate 用一个新的价差信号评估某配对的全部网格线, 返回可执行的触发。
// 网格线按 level_id 字典序独立评估; ENTRY 与 EXIT 的互斥由仓位状态保证:
// ENTRY 要求自身台账为零, EXIT 要求配对 ENTRY 的台账非零, 二者不可能同时成立。
func (m *Manager) Evaluate(pairSymbol string, spreadPct float64, view PositionView) []Trigger {
	pl, ok := m.pairs[pairSymbol]
	if !ok {
		return nil
	}

	var triggers []Trigger
	for _, level := range pl.levels {
		switch level.Kind {
		case Entry:
			if !crossed(level.Direction, spreadPct, level.ThresholdPct) {
				continue
			}
			if view.HasActiveTarget(level.Hash()) {
				continue
			}
			if !zeroExposure(view.NetExposure(level.Hash())) {
				continue
			}
			// 反向 ENTRY 还有敞口时禁止开仓, 防止同一配对双向持仓
			if m.oppositeEntryBusy(pl, level, view) {
				continue
			}
			triggers = append(triggers, Trigger{Level: level, EntryLevel: level, SpreadPct: spreadPct})

		case Exit:
			entry := pl.exitToEntry[level.LevelID]
			if entry == nil {
				continue // 没有任何 ENTRY 引用的 EXIT 线永远不可执行
			}
			if !crossed(level.Direction, spreadPct, level.ThresholdPct) {
				continue
			}
			if view.HasActiveTarget(level.Hash()) {
				continue
			}
			if zeroExposure(view.NetExposure(entry.Hash())) {
				continue
			}
			triggers = append(triggers, Trigger{Level: level, EntryLevel: entry, SpreadPct: spreadPct})
		}
	}
	return triggers
}

// oppositeEntryBusy 报告同配对中是否有反方向的 ENTRY 线仍有敞口或在途目标。
func (m *Manager) oppositeEntryBusy(pl *pairLevels, entry *Level, view PositionView) bool {
	for _, other := range pl.levels {
		if other.Kind != Entry || other.Direction == entry.Direction {
			continue
		}
		if view.HasActiveTarget(other.Hash()) {
			return true
		}
		if !zeroExposure(view.NetExposure(other.Hash())) {
			return true
		}
	}
	return false
}

// crossed 判断价差是否越过阈值: 做多价差在价差跌破阈值时成立,
// 做空价差在价差升破阈值时成立。EXIT 线的方向即平仓方向, 同一规则适用。
func crossed(dir Direction, spreadPct, thresholdPct float64) bool {
	if dir == LongSpread {
		return spreadPct <= thresholdPct+models.FloatTolerance
	}
	return spreadPct >= thresholdPct-models.FloatTolerance
}

func zeroExposure(leg1, leg2 float64) bool {
	return math.Abs(leg1) <= models.FloatTolerance && math.Abs(leg2) <= models.FloatTolerance
}
