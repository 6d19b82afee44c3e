package grid

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"pair-grid-bot-go/internal/models"

	"github.com/jxskiss/base62"
)

// LevelKind 定义了网格线的类型
type LevelKind string

const (
	Entry LevelKind = "ENTRY"
	Exit  LevelKind = "EXIT"
)

// Direction 定义了价差交易方向: 做多价差即买腿1卖腿2, 做空价差反之。
type Direction string

const (
	LongSpread  Direction = "LONG_SPREAD"
	ShortSpread Direction = "SHORT_SPREAD"
)

// Opposite 返回平仓方向。
func (d Direction) Opposite() Direction {
	if d == LongSpread {
		return ShortSpread
	}
	return LongSpread
}

// Level 代表一条网格触发线。
// 在 SetupPair 时创建, 此后【不可变】, 重启前后依靠结构哈希重新配对。
type Level struct {
	LevelID              string
	Kind                 LevelKind
	Pair                 models.PairConfig
	ThresholdPct         float64
	Direction            Direction
	PairedExitLevelID    string
	PositionSizeFraction float64

	hash string // 结构哈希缓存, 创建时计算一次
}

// NewLevel 根据配置构造一条网格线并校验其静态合法性。
func NewLevel(pair models.PairConfig, cfg models.LevelConfig) (*Level, error) {
	kind := LevelKind(cfg.Kind)
	if kind != Entry && kind != Exit {
		return nil, fmt.Errorf("网格线 %q: 未知类型 %q", cfg.LevelID, cfg.Kind)
	}
	dir := Direction(cfg.Direction)
	if dir != LongSpread && dir != ShortSpread {
		return nil, fmt.Errorf("网格线 %q: 未知方向 %q", cfg.LevelID, cfg.Direction)
	}
	if cfg.LevelID == "" {
		return nil, fmt.Errorf("网格线的 level_id 不能为空")
	}
	if cfg.PositionSizeFraction <= 0 || cfg.PositionSizeFraction > 1 {
		return nil, fmt.Errorf("网格线 %q: position_size_fraction 必须在 (0,1] 区间, 实际为 %v",
			cfg.LevelID, cfg.PositionSizeFraction)
	}
	if kind == Entry && cfg.PairedExitLevelID == "" {
		return nil, fmt.Errorf("网格线 %q: ENTRY 线必须指定 paired_exit_level_id", cfg.LevelID)
	}

	l := &Level{
		LevelID:              cfg.LevelID,
		Kind:                 kind,
		Pair:                 pair,
		ThresholdPct:         cfg.ThresholdPct,
		Direction:            dir,
		PairedExitLevelID:    cfg.PairedExitLevelID,
		PositionSizeFraction: cfg.PositionSizeFraction,
	}
	l.hash = structuralHash(pair.Symbol(), cfg.LevelID, cfg.ThresholdPct, cfg.Direction)
	return l, nil
}

// Hash 返回网格线的结构哈希。
// 哈希只覆盖不可变字段, 与对象地址和插入顺序无关, 因此持久化快照
// 中的记录可以在重启后与新构造的对象重新关联。
func (l *Level) Hash() string {
	return l.hash
}

// GridID 返回人类可读的标识, 用于日志与持久化中的 grid_id 字段。
func (l *Level) GridID() string {
	return l.Pair.Symbol() + "#" + l.LevelID
}

// LevelData 导出网格线不可变字段的持久化形态。
func (l *Level) LevelData() models.LevelData {
	return models.LevelData{
		LevelID:    l.LevelID,
		Type:       string(l.Kind),
		SpreadPct:  l.ThresholdPct,
		Direction:  string(l.Direction),
		PairSymbol: l.Pair.Symbol(),
	}
}

// TargetHash 为一次执行目标计算稳定键: 配对 + 网格线 + 创建序号。
// 序号单调递增, 保证同一条线多次触发的目标互不冲突且可跨重启复原。
func TargetHash(l *Level, seq uint64) string {
	return structuralHash(l.Pair.Symbol(), l.LevelID+"@"+strconv.FormatUint(seq, 10), l.ThresholdPct, string(l.Direction))
}

// structuralHash 对规范化字段串做 FNV-1a 哈希并以 base62 编码成短键。
func structuralHash(pairSymbol, levelID string, threshold float64, direction string) string {
	h := fnv.New64a()
	canonical := strings.Join([]string{
		pairSymbol,
		levelID,
		strconv.FormatFloat(threshold, 'f', -1, 64),
		direction,
	}, "|")
	h.Write([]byte(canonical))
	return base62.EncodeToString(h.Sum(nil))
}
