package grid

import (
	"testing"

	"pair-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testPair = models.PairConfig{Leg1: "AAAUSDT", Leg2: "BBBUSDT"}

// fakeView is a controllable PositionView for evaluation tests.
type fakeView struct {
	exposure map[string][2]float64
	active   map[string]bool
}

func newFakeView() *fakeView {
	return &fakeView{
		exposure: make(map[string][2]float64),
		active:   make(map[string]bool),
	}
}

func (v *fakeView) NetExposure(hash string) (float64, float64) {
	e := v.exposure[hash]
	return e[0], e[1]
}

func (v *fakeView) HasActiveTarget(hash string) bool {
	return v.active[hash]
}

func longGridLevels() []models.LevelConfig {
	return []models.LevelConfig{
		{LevelID: "long-entry", Kind: "ENTRY", Direction: "LONG_SPREAD", ThresholdPct: -0.01,
			PairedExitLevelID: "long-exit", PositionSizeFraction: 0.5},
		{LevelID: "long-exit", Kind: "EXIT", Direction: "SHORT_SPREAD", ThresholdPct: 0.02,
			PositionSizeFraction: 0.5},
	}
}

func shortGridLevels() []models.LevelConfig {
	return []models.LevelConfig{
		{LevelID: "short-entry", Kind: "ENTRY", Direction: "SHORT_SPREAD", ThresholdPct: 0.01,
			PairedExitLevelID: "short-exit", PositionSizeFraction: 0.5},
		{LevelID: "short-exit", Kind: "EXIT", Direction: "LONG_SPREAD", ThresholdPct: -0.02,
			PositionSizeFraction: 0.5},
	}
}

func cheapFees() models.FeeConfig {
	// 往返成本 2*(0.001+0.0005) = 0.003, 远低于 0.03 的捕获价差
	return models.FeeConfig{Leg1FeeRate: 0.001, Leg2FeeRate: 0.0005}
}

func setupManager(t *testing.T, cfgs []models.LevelConfig) *Manager {
	t.Helper()
	m := NewManager(2, zap.NewNop().Sugar())
	require.NoError(t, m.SetupPair(testPair, cfgs, cheapFees()))
	return m
}

func TestSetupPairRejectsUnprofitableGrid(t *testing.T) {
	m := NewManager(2, zap.NewNop().Sugar())
	// 往返成本 2*(0.004+0.004) = 0.016, 两倍即 0.032 > 捕获价差 0.03
	err := m.SetupPair(testPair, longGridLevels(), models.FeeConfig{Leg1FeeRate: 0.004, Leg2FeeRate: 0.004})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "往返成本")
}

func TestSetupPairAcceptsExactlyTwoTimesCost(t *testing.T) {
	m := NewManager(2, zap.NewNop().Sugar())
	// 往返成本 0.015, 两倍恰好等于捕获价差 0.03: 必须通过
	err := m.SetupPair(testPair, longGridLevels(), models.FeeConfig{Leg1FeeRate: 0.004, Leg2FeeRate: 0.0035})
	assert.NoError(t, err)
}

func TestSetupPairValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]models.LevelConfig) []models.LevelConfig
	}{
		{"未知类型", func(c []models.LevelConfig) []models.LevelConfig {
			c[0].Kind = "HOLD"
			return c
		}},
		{"未知方向", func(c []models.LevelConfig) []models.LevelConfig {
			c[0].Direction = "SIDEWAYS"
			return c
		}},
		{"仓位比例越界", func(c []models.LevelConfig) []models.LevelConfig {
			c[0].PositionSizeFraction = 1.5
			return c
		}},
		{"配对线不存在", func(c []models.LevelConfig) []models.LevelConfig {
			c[0].PairedExitLevelID = "ghost"
			return c
		}},
		{"配对线方向错误", func(c []models.LevelConfig) []models.LevelConfig {
			c[1].Direction = "LONG_SPREAD"
			c[1].ThresholdPct = -0.04
			return c
		}},
		{"level_id 重复", func(c []models.LevelConfig) []models.LevelConfig {
			c[1].LevelID = c[0].LevelID
			return c
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(2, zap.NewNop().Sugar())
			err := m.SetupPair(testPair, tc.mutate(longGridLevels()), cheapFees())
			assert.Error(t, err)
		})
	}
}

func TestEvaluateEntryTrigger(t *testing.T) {
	m := setupManager(t, longGridLevels())
	view := newFakeView()

	// 阈值未触及时无信号
	assert.Empty(t, m.Evaluate(testPair.Symbol(), -0.005, view))

	// 跌破 -1% 触发做多价差 ENTRY
	triggers := m.Evaluate(testPair.Symbol(), -0.012, view)
	require.Len(t, triggers, 1)
	assert.Equal(t, "long-entry", triggers[0].Level.LevelID)
	assert.Equal(t, triggers[0].Level, triggers[0].EntryLevel)
}

func TestEvaluateEntrySuppressedByExposureAndActiveTarget(t *testing.T) {
	m := setupManager(t, longGridLevels())
	entry := m.Levels(testPair.Symbol())[0]
	require.Equal(t, "long-entry", entry.LevelID)

	// 已有敞口时 ENTRY 不再触发
	view := newFakeView()
	view.exposure[entry.Hash()] = [2]float64{1, -1}
	assert.Empty(t, m.Evaluate(testPair.Symbol(), -0.012, view))

	// 在途目标存在时同样不触发 (仓位尚为零但已提交)
	view = newFakeView()
	view.active[entry.Hash()] = true
	assert.Empty(t, m.Evaluate(testPair.Symbol(), -0.012, view))
}

func TestEvaluateExitRequiresExposure(t *testing.T) {
	m := setupManager(t, longGridLevels())
	entry := m.Levels(testPair.Symbol())[0]

	// 无持仓时 EXIT 永不触发
	view := newFakeView()
	assert.Empty(t, m.Evaluate(testPair.Symbol(), 0.025, view))

	// 配对 ENTRY 有敞口后, 升破 +2% 触发 EXIT, 台账归属指向 ENTRY 线
	view.exposure[entry.Hash()] = [2]float64{1, -1}
	triggers := m.Evaluate(testPair.Symbol(), 0.025, view)
	require.Len(t, triggers, 1)
	assert.Equal(t, "long-exit", triggers[0].Level.LevelID)
	assert.Equal(t, "long-entry", triggers[0].EntryLevel.LevelID)
}

func TestNoDoubleDirection(t *testing.T) {
	// 同一配对同时配置多空两套网格
	cfgs := append(longGridLevels(), shortGridLevels()...)
	m := setupManager(t, cfgs)

	var longEntry *Level
	for _, l := range m.Levels(testPair.Symbol()) {
		if l.LevelID == "long-entry" {
			longEntry = l
		}
	}
	require.NotNil(t, longEntry)

	// 做多价差持仓期间, 即便价差升破 +1%, 做空 ENTRY 也不得触发
	view := newFakeView()
	view.exposure[longEntry.Hash()] = [2]float64{1, -1}
	triggers := m.Evaluate(testPair.Symbol(), 0.015, view)
	for _, trig := range triggers {
		assert.NotEqual(t, "short-entry", trig.Level.LevelID,
			"做多持仓未平时反向 ENTRY 不得触发")
	}

	// 持仓清零后做空 ENTRY 恢复可用
	view = newFakeView()
	triggers = m.Evaluate(testPair.Symbol(), 0.015, view)
	require.Len(t, triggers, 1)
	assert.Equal(t, "short-entry", triggers[0].Level.LevelID)
}

func TestEvaluateDeterministicOrder(t *testing.T) {
	// 两套网格同时可触发时, 评估顺序按 level_id 字典序, 与配置顺序无关
	cfgs := []models.LevelConfig{
		{LevelID: "b-entry", Kind: "ENTRY", Direction: "LONG_SPREAD", ThresholdPct: -0.01,
			PairedExitLevelID: "b-exit", PositionSizeFraction: 0.3},
		{LevelID: "b-exit", Kind: "EXIT", Direction: "SHORT_SPREAD", ThresholdPct: 0.02,
			PositionSizeFraction: 0.3},
		{LevelID: "a-entry", Kind: "ENTRY", Direction: "LONG_SPREAD", ThresholdPct: -0.015,
			PairedExitLevelID: "a-exit", PositionSizeFraction: 0.3},
		{LevelID: "a-exit", Kind: "EXIT", Direction: "SHORT_SPREAD", ThresholdPct: 0.025,
			PositionSizeFraction: 0.3},
	}
	m := setupManager(t, cfgs)

	triggers := m.Evaluate(testPair.Symbol(), -0.02, newFakeView())
	require.Len(t, triggers, 2)
	assert.Equal(t, "a-entry", triggers[0].Level.LevelID)
	assert.Equal(t, "b-entry", triggers[1].Level.LevelID)
}

func TestLevelStructuralHash(t *testing.T) {
	cfg := longGridLevels()[0]
	l1, err := NewLevel(testPair, cfg)
	require.NoError(t, err)
	l2, err := NewLevel(testPair, cfg)
	require.NoError(t, err)

	// 同构对象哈希一致, 与对象地址无关
	assert.Equal(t, l1.Hash(), l2.Hash())

	// 任一不可变字段变化都会改变哈希
	cfg.ThresholdPct = -0.02
	l3, err := NewLevel(testPair, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, l1.Hash(), l3.Hash())

	// 目标哈希随创建序号区分
	assert.NotEqual(t, TargetHash(l1, 1), TargetHash(l1, 2))
	assert.Equal(t, TargetHash(l1, 1), TargetHash(l2, 1))
}
