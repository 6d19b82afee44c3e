package engine

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"pair-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// ReplayEngine 用历史报价文件回放行情, 同时扮演撮合网关和账户:
// 市价单按当前买一/卖一价立即全额成交。成交回报在当前事件处理
// 完全返回之后才投递, 保持核心的单线程事件语义。
type ReplayEngine struct {
	pair    models.PairConfig
	capital float64
	logger  *zap.SugaredLogger

	quoteSub QuoteSubscriber
	orderSub OrderEventSubscriber

	quotes      map[string]models.Quote
	nextOrderID int
	pendingUpd  []models.OrderUpdate
}

// NewReplayEngine 创建回放引擎。capital 是两腿共用的模拟购买力。
func NewReplayEngine(pair models.PairConfig, capital float64, logger *zap.SugaredLogger) *ReplayEngine {
	return &ReplayEngine{
		pair:    pair,
		capital: capital,
		logger:  logger,
		quotes:  make(map[string]models.Quote),
	}
}

// Subscribe 登记报价订阅者。
func (e *ReplayEngine) Subscribe(sub QuoteSubscriber) {
	e.quoteSub = sub
}

// SubscribeOrders 登记订单事件订阅者。
func (e *ReplayEngine) SubscribeOrders(sub OrderEventSubscriber) {
	e.orderSub = sub
}

// quoteRow 是报价文件中的一行: 时间戳毫秒, 买一价, 卖一价
type quoteRow struct {
	ts     int64
	symbol string
	bid    float64
	ask    float64
}

// Run 读入两腿的报价 CSV, 按时间戳归并后逐条回放。
// 每条报价先更新对应腿, 两腿都就绪后才开始派发配对报价。
func (e *ReplayEngine) Run(leg1Path, leg2Path string) error {
	rows1, err := readQuoteFile(leg1Path, e.pair.Leg1)
	if err != nil {
		return err
	}
	rows2, err := readQuoteFile(leg2Path, e.pair.Leg2)
	if err != nil {
		return err
	}
	merged := append(rows1, rows2...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ts < merged[j].ts })

	e.logger.Infof("回放开始: %s %d 条 + %s %d 条报价", e.pair.Leg1, len(rows1), e.pair.Leg2, len(rows2))

	for _, row := range merged {
		e.quotes[row.symbol] = models.Quote{
			Symbol:    row.symbol,
			BidPrice:  row.bid,
			AskPrice:  row.ask,
			Timestamp: time.UnixMilli(row.ts),
		}
		q1, ok1 := e.quotes[e.pair.Leg1]
		q2, ok2 := e.quotes[e.pair.Leg2]
		if !ok1 || !ok2 || e.quoteSub == nil {
			continue
		}
		e.quoteSub.OnPairQuote(models.PairQuote{
			Leg1:      q1,
			Leg2:      q2,
			Timestamp: time.UnixMilli(row.ts),
		})
		e.flushFills()
	}

	e.logger.Info("回放结束")
	return nil
}

// flushFills 把排队的成交回报逐条投递。回报处理本身可能触发新的
// 下单 (例如平仓), 因此循环直到队列清空。
func (e *ReplayEngine) flushFills() {
	for len(e.pendingUpd) > 0 {
		upd := e.pendingUpd[0]
		e.pendingUpd = e.pendingUpd[1:]
		if e.orderSub != nil {
			e.orderSub.OnOrderUpdate(upd)
		}
	}
}

// SubmitOrder 实现 execution.Gateway: 按当前盘口立即全额成交,
// 回报进入队列等待当前事件返回后投递。
func (e *ReplayEngine) SubmitOrder(req models.OrderRequest) (string, error) {
	quote, ok := e.quotes[req.Symbol]
	if !ok {
		return "", fmt.Errorf("回放引擎没有 %s 的报价", req.Symbol)
	}
	e.nextOrderID++
	brokerID := "sim-" + strconv.Itoa(e.nextOrderID)

	price := quote.BidPrice // 卖出吃买一
	if req.Qty > 0 {
		price = quote.AskPrice // 买入吃卖一
	}
	e.pendingUpd = append(e.pendingUpd, models.OrderUpdate{
		BrokerID:  brokerID,
		Symbol:    req.Symbol,
		Status:    models.OrderFilled,
		FillQty:   req.Qty,
		FillPrice: price,
		Timestamp: quote.Timestamp,
	})
	return brokerID, nil
}

// CancelOrder 实现 execution.Gateway。市价单不会驻留, 直接成功。
func (e *ReplayEngine) CancelOrder(brokerID string) error {
	return nil
}

// AvailableCapital 实现 execution.AccountProvider。
func (e *ReplayEngine) AvailableCapital(symbol string) (float64, error) {
	return e.capital, nil
}

// readQuoteFile 读取一条腿的报价 CSV (表头 + timestamp_ms,bid,ask)。
func readQuoteFile(path, symbol string) ([]quoteRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开报价文件 %s: %w", path, err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取报价文件 %s: %w", path, err)
	}
	if len(records) <= 1 {
		return nil, fmt.Errorf("报价文件 %s 为空或只有表头", path)
	}

	rows := make([]quoteRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 3 {
			continue
		}
		ts, errT := strconv.ParseInt(rec[0], 10, 64)
		bid, errB := strconv.ParseFloat(rec[1], 64)
		ask, errA := strconv.ParseFloat(rec[2], 64)
		if errT != nil || errB != nil || errA != nil {
			continue // 跳过坏行, 与行情回放的容错策略一致
		}
		rows = append(rows, quoteRow{ts: ts, symbol: symbol, bid: bid, ask: ask})
	}
	return rows, nil
}
