package position

import (
	"sort"

	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/models"
)

// Position 是一条持仓台账行: 归属到某条网格线的两腿累计成交数量。
// 行在首次成交时惰性创建, 之后只累加, 从不删除, 历史对账依赖它。
type Position struct {
	Level   *grid.Level
	Leg1Qty float64
	Leg2Qty float64
}

// Record 导出该行的持久化形态。
func (p *Position) Record() models.GridPositionRecord {
	return models.GridPositionRecord{
		LevelData: p.Level.LevelData(),
		Leg1Qty:   p.Leg1Qty,
		Leg2Qty:   p.Leg2Qty,
	}
}

// Manager 独占持仓台账表。其他组件只能通过访问方法读取聚合数量,
// 从不直接改写行数据。
type Manager struct {
	rows map[string]*Position // key: 网格线结构哈希
}

// NewManager 创建一个空台账。
func NewManager() *Manager {
	return &Manager{rows: make(map[string]*Position)}
}

// GetOrCreate 返回某条网格线的台账行, 不存在则创建零值行。
func (m *Manager) GetOrCreate(level *grid.Level) *Position {
	if row, ok := m.rows[level.Hash()]; ok {
		return row
	}
	row := &Position{Level: level}
	m.rows[level.Hash()] = row
	return row
}

// ApplyFill 把一笔带符号的成交数量累加到网格线的台账行。
// leg 为 1 或 2, 其他值被忽略。
func (m *Manager) ApplyFill(level *grid.Level, leg int, signedQty float64) {
	row := m.GetOrCreate(level)
	switch leg {
	case 1:
		row.Leg1Qty += signedQty
	case 2:
		row.Leg2Qty += signedQty
	}
}

// NetExposure 返回某条网格线的两腿净持仓, 无行时为 (0, 0)。
func (m *Manager) NetExposure(levelHash string) (leg1Qty, leg2Qty float64) {
	if row, ok := m.rows[levelHash]; ok {
		return row.Leg1Qty, row.Leg2Qty
	}
	return 0, 0
}

// Restore 在恢复阶段直接写入一行的数量。仅 StatePersistence 在启动时使用。
func (m *Manager) Restore(level *grid.Level, leg1Qty, leg2Qty float64) {
	row := m.GetOrCreate(level)
	row.Leg1Qty = leg1Qty
	row.Leg2Qty = leg2Qty
}

// Rows 返回全部台账行的只读快照, 按网格线哈希排序以保证遍历顺序稳定。
func (m *Manager) Rows() []Position {
	hashes := make([]string, 0, len(m.rows))
	for h := range m.rows {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	out := make([]Position, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, *m.rows[h])
	}
	return out
}

// Records 导出全部台账行的持久化形态, 键为网格线结构哈希。
func (m *Manager) Records() map[string]models.GridPositionRecord {
	out := make(map[string]models.GridPositionRecord, len(m.rows))
	for h, row := range m.rows {
		out[h] = row.Record()
	}
	return out
}
