package spread

import "math"

// Compute 计算两条腿之间可执行的带符号价差百分比。
//
// 两个候选场景:
//   - 做空腿1/做多腿2: (leg1Bid - leg2Ask) / leg1Bid
//   - 做多腿1/做空腿2: (leg1Ask - leg2Bid) / leg1Ask
//
// 返回绝对值更大的那个场景并保留符号, 正值表示腿1相对高估。
// 任何非正价格视为无效输入, 返回 ok=false 而不是 0, 调用方必须
// 区分 "无信号" 与 "价差恰好为零"。
func Compute(leg1Bid, leg1Ask, leg2Bid, leg2Ask float64) (pct float64, ok bool) {
	if leg1Bid <= 0 || leg1Ask <= 0 || leg2Bid <= 0 || leg2Ask <= 0 {
		return 0, false
	}

	shortLeg1 := (leg1Bid - leg2Ask) / leg1Bid
	longLeg1 := (leg1Ask - leg2Bid) / leg1Ask

	if math.Abs(shortLeg1) >= math.Abs(longLeg1) {
		return shortLeg1, true
	}
	return longLeg1, true
}
