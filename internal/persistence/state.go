package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"pair-grid-bot-go/internal/execution"
	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/models"
	"pair-grid-bot-go/internal/position"

	"go.uber.org/zap"
)

// StatePersistence 负责策略状态的快照落盘与启动恢复。
// 它既不拥有也不修改台账和目标对象, 只读取一致快照,
// 恢复时再把记录重新注入新构造的对象。
type StatePersistence struct {
	store  Store
	key    string
	logger *zap.SugaredLogger
}

// NewStatePersistence 创建持久化器。快照键以策略名做命名空间。
func NewStatePersistence(store Store, strategyName string, logger *zap.SugaredLogger) *StatePersistence {
	return &StatePersistence{
		store:  store,
		key:    strategyName + "/latest",
		logger: logger,
	}
}

// Persist 序列化当前的持仓台账与目标表并写入存储。
// 在每个目标到达终态时被调用, 也可以按配置在每次成交后调用。
func (sp *StatePersistence) Persist(positions *position.Manager, em *execution.Manager) error {
	targets, err := em.Records()
	if err != nil {
		return fmt.Errorf("导出执行目标失败: %w", err)
	}
	snapshot := models.StateSnapshot{
		Timestamp:        time.Now().UTC(),
		GridPositions:    positions.Records(),
		ExecutionTargets: targets,
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化状态快照失败: %w", err)
	}
	if err := sp.store.Write(sp.key, data); err != nil {
		return fmt.Errorf("写入状态快照失败: %w", err)
	}
	sp.logger.Debugf("状态快照已落盘: %d 条台账行, %d 个执行目标",
		len(snapshot.GridPositions), len(snapshot.ExecutionTargets))
	return nil
}

// Restore 在启动时从存储恢复状态。
//
// 硬性前置条件: GridLevelManager 必须已经用相同配置重建了网格线
// (结构哈希匹配依赖网格线先存在), 且外部引擎尚未投递任何行情或
// 成交事件。从未持久化过是合法的全新启动; 快照损坏或与当前网格
// 配置哈希不匹配则必须中止启动: 带着空台账启动会导致对已持有
// 的仓位二次开仓。
func (sp *StatePersistence) Restore(gridMgr *grid.Manager, pairSymbol string,
	positions *position.Manager, em *execution.Manager) error {

	exists, err := sp.store.Contains(sp.key)
	if err != nil {
		return fmt.Errorf("检查状态快照失败: %w", err)
	}
	if !exists {
		sp.logger.Infof("未发现历史状态 (%s), 以全新状态启动", sp.key)
		return nil
	}

	data, err := sp.store.Read(sp.key)
	if err != nil {
		return fmt.Errorf("读取状态快照失败: %w", err)
	}
	var snapshot models.StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("状态快照损坏, 拒绝启动: %w", err)
	}

	levels := gridMgr.Levels(pairSymbol)
	if len(levels) == 0 {
		return fmt.Errorf("恢复顺序错误: 配对 %s 的网格线尚未初始化", pairSymbol)
	}
	byHash := make(map[string]*grid.Level, len(levels))
	byGridID := make(map[string]*grid.Level, len(levels))
	for _, l := range levels {
		byHash[l.Hash()] = l
		byGridID[l.GridID()] = l
	}

	for hash, rec := range snapshot.GridPositions {
		level, ok := byHash[hash]
		if !ok {
			return fmt.Errorf("快照台账行 %s (%s) 与当前网格配置哈希不匹配, 拒绝启动",
				hash, rec.LevelData.LevelID)
		}
		if got := level.LevelData(); got != rec.LevelData {
			return fmt.Errorf("快照台账行 %s 的网格线字段与内存对象不一致: %+v != %+v",
				hash, rec.LevelData, got)
		}
		positions.Restore(level, rec.Leg1Qty, rec.Leg2Qty)
	}

	for hash, rec := range snapshot.ExecutionTargets {
		if err := em.RestoreTarget(hash, rec, func(gridID string) *grid.Level {
			return byGridID[gridID]
		}); err != nil {
			return fmt.Errorf("恢复执行目标失败, 拒绝启动: %w", err)
		}
	}
	// EXIT 目标的台账归属线此时补挂, 后续成交才能记到正确的行
	for hash, rec := range snapshot.ExecutionTargets {
		gridID, _, err := execution.SplitGridID(rec.GridID)
		if err != nil {
			return err
		}
		level := byGridID[gridID]
		if level != nil && level.Kind == grid.Exit {
			if entry := gridMgr.EntryFor(pairSymbol, level); entry != nil {
				em.SetEntryLevel(hash, entry)
			}
		}
	}
	// 在途订单崩溃前的部分成交不在完成回执里, 用台账敞口校准余量,
	// 否则补单会按虚高的余量重复下单
	em.ReconcileRestoredTargets()

	sp.logger.Infof("状态恢复完成: %d 条台账行, %d 个执行目标 (快照时间 %s)",
		len(snapshot.GridPositions), len(snapshot.ExecutionTargets),
		snapshot.Timestamp.Format(time.RFC3339))
	return nil
}
