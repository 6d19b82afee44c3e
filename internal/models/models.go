package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet     bool          `json:"is_testnet"` // 是否使用测试网
	DBPath        string        `json:"db_path"`    // BadgerDB 数据库目录
	StrategyName  string        `json:"strategy_name"`
	LiveAPIURL    string        `json:"live_api_url"`
	LiveWSURL     string        `json:"live_ws_url"`
	TestnetAPIURL string        `json:"testnet_api_url"`
	TestnetWSURL  string        `json:"testnet_ws_url"`
	Pair          PairConfig    `json:"pair"`
	Levels        []LevelConfig `json:"levels"`
	Fees          FeeConfig     `json:"fees"`
	// 开平仓总资金 (计价货币)，配合 position_size_fraction 计算单次目标数量
	Capital             float64   `json:"capital"`
	MinProfitMultiple   float64   `json:"min_profit_multiple"`    // 网格利润相对往返成本的最小倍数, 默认 2
	RetryIntervalSec    int       `json:"retry_interval_sec"`     // 未成交余量的重试间隔(秒)
	MaxRetryAttempts    int       `json:"max_retry_attempts"`     // 单个目标的最大重试次数, 0 表示不限
	PersistEveryFill    bool      `json:"persist_every_fill"`     // 是否在每次成交后都落盘(默认仅终态落盘)
	ReplayHalfSpreadPct float64   `json:"replay_half_spread_pct"` // 回放模式下由收盘价合成买卖价所用的半价差
	LogConfig           LogConfig `json:"log"`
}

// PairConfig 定义了一组配对交易的两条腿
type PairConfig struct {
	Leg1 string `json:"leg1"` // 例如 "BTCUSDT"
	Leg2 string `json:"leg2"` // 例如相关性标的 "ETHUSDT"
}

// Symbol 返回配对的展示名, 用于日志与持久化快照中的 pair_symbol 字段。
func (p PairConfig) Symbol() string {
	return p.Leg1 + "/" + p.Leg2
}

// LevelConfig 是配置文件中一条网格线的静态定义
type LevelConfig struct {
	LevelID              string  `json:"level_id"`
	Kind                 string  `json:"kind"`      // "ENTRY" 或 "EXIT"
	Direction            string  `json:"direction"` // "LONG_SPREAD" 或 "SHORT_SPREAD"
	ThresholdPct         float64 `json:"threshold_pct"`
	PairedExitLevelID    string  `json:"paired_exit_level_id,omitempty"`
	PositionSizeFraction float64 `json:"position_size_fraction"`
}

// FeeConfig 定义了两条腿的单边交易成本率, 用于建仓前的利润校验
type FeeConfig struct {
	Leg1FeeRate float64 `json:"leg1_fee_rate"`
	Leg2FeeRate float64 `json:"leg2_fee_rate"`
}

// RoundTripCost 返回两条腿一开一平的总成本率。
func (f FeeConfig) RoundTripCost() float64 {
	return 2 * (f.Leg1FeeRate + f.Leg2FeeRate)
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Credentials 从环境变量读取交易所 API 密钥
type Credentials struct {
	APIKey    string `envconfig:"BINANCE_API_KEY"`
	SecretKey string `envconfig:"BINANCE_SECRET_KEY"`
}

// Quote 是一条腿在某一时刻的最优买卖价
type Quote struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	Timestamp time.Time
}

// PairQuote 将两条腿同一评估时刻的报价打包
type PairQuote struct {
	Leg1      Quote
	Leg2      Quote
	Timestamp time.Time
}

// OrderStatus 是订单的闭集状态枚举, 运行时与持久化共用同一套整数编码。
type OrderStatus int

const (
	OrderSubmitted OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCanceled
	OrderInvalid
)

var orderStatusNames = map[OrderStatus]string{
	OrderSubmitted:       "SUBMITTED",
	OrderPartiallyFilled: "PARTIALLY_FILLED",
	OrderFilled:          "FILLED",
	OrderCanceled:        "CANCELED",
	OrderInvalid:         "INVALID",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

// IsTerminal 报告该状态是否为终态。
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderInvalid
}

// TargetStatus 是执行目标的闭集状态枚举。
type TargetStatus int

const (
	TargetPending TargetStatus = iota
	TargetSubmitted
	TargetPartiallyFilled
	TargetFilled
	TargetCanceled
	TargetInvalid
)

var targetStatusNames = map[TargetStatus]string{
	TargetPending:         "PENDING",
	TargetSubmitted:       "SUBMITTED",
	TargetPartiallyFilled: "PARTIALLY_FILLED",
	TargetFilled:          "FILLED",
	TargetCanceled:        "CANCELED",
	TargetInvalid:         "INVALID",
}

func (s TargetStatus) String() string {
	if name, ok := targetStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TargetStatus(%d)", int(s))
}

// IsTerminal 报告目标是否已经到达终态。
func (s TargetStatus) IsTerminal() bool {
	return s == TargetFilled || s == TargetCanceled || s == TargetInvalid
}

// OrderRequest 是提交给外部撮合网关的单腿订单
type OrderRequest struct {
	Symbol    string
	Qty       float64 // 带符号: 正数买入, 负数卖出
	OrderType string  // "MARKET" 或 "LIMIT"
	Price     float64 // 市价单为 0
}

// OrderUpdate 是外部网关回报的订单状态事件
type OrderUpdate struct {
	BrokerID  string
	Symbol    string
	Status    OrderStatus
	FillQty   float64 // 本次回报的带符号增量成交数量
	FillPrice float64
	Timestamp time.Time
}

// FloatTolerance 是全局的浮点数相等判断容差。
const FloatTolerance = 1e-6

// Error 定义了交易所API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
