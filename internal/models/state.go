package models

import "time"

// StateSnapshot 定义了需要持久化的全部策略状态。
// 字段名是恢复协议的外部契约, 重启前后必须逐字节一致。
type StateSnapshot struct {
	Timestamp        time.Time                        `json:"timestamp"`
	GridPositions    map[string]GridPositionRecord    `json:"grid_positions"`
	ExecutionTargets map[string]ExecutionTargetRecord `json:"execution_targets"`
}

// LevelData 是网格线不可变字段的持久化形态, 用于重启后按结构哈希重新配对。
type LevelData struct {
	LevelID    string  `json:"level_id"`
	Type       string  `json:"type"`
	SpreadPct  float64 `json:"spread_pct"`
	Direction  string  `json:"direction"`
	PairSymbol string  `json:"pair_symbol"`
}

// GridPositionRecord 是一条持仓台账行的持久化形态
type GridPositionRecord struct {
	LevelData LevelData `json:"level_data"`
	Leg1Qty   float64   `json:"leg1_qty"`
	Leg2Qty   float64   `json:"leg2_qty"`
}

// ExecutionTargetRecord 是一个执行目标的持久化形态
type ExecutionTargetRecord struct {
	GridID      string             `json:"grid_id"`
	TargetQty   float64            `json:"target_qty"`
	Status      int                `json:"status"`
	OrderGroups []OrderGroupRecord `json:"order_groups"`
}

// OrderGroupRecord 是单腿订单组的持久化形态。
// CompletedTicketsJSON 内嵌一段 JSON 数组文本, 反序列化后即 []OrderTicket。
type OrderGroupRecord struct {
	Type                 string   `json:"type"`
	CompletedTicketsJSON string   `json:"completed_tickets_json"`
	ActiveBrokerIDs      []string `json:"active_broker_ids"`
}

// OrderTicket 记录一张已到达终态订单的成交回执
type OrderTicket struct {
	BrokerID  string  `json:"broker_id"`
	FilledQty float64 `json:"filled_qty"`
	FillPrice float64 `json:"fill_price"`
	Status    int     `json:"status"`
}
