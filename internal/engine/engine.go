package engine

import "pair-grid-bot-go/internal/models"

// QuoteSubscriber 接收两腿报价。每个配对只有一个类型化订阅者,
// 引擎按事件到达顺序同步调用, 不做任何并发分发。
type QuoteSubscriber interface {
	OnPairQuote(q models.PairQuote)
}

// OrderEventSubscriber 接收外部撮合引擎回报的订单事件。
type OrderEventSubscriber interface {
	OnOrderUpdate(u models.OrderUpdate)
}

// Feed 是行情数据源: 把两腿的最优买卖价推送给订阅者。
type Feed interface {
	Subscribe(sub QuoteSubscriber)
	Start() error
	Stop()
}
