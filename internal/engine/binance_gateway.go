package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"pair-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"
)

// quoteAssets 是用于推断计价资产的后缀表, 顺序即匹配优先级。
var quoteAssets = []string{"USDT", "USDC", "BUSD", "BTC"}

// BinanceGateway 把订单路由到币安现货撮合, 实现 execution.Gateway
// 与 execution.AccountProvider。市价单的成交结果直接取自下单响应,
// 并异步投递给订单事件订阅者。
type BinanceGateway struct {
	client   *binance.Client
	orderSub OrderEventSubscriber
	logger   *zap.SugaredLogger
}

// NewBinanceGateway 创建实盘网关。
func NewBinanceGateway(apiKey, secretKey string, testnet bool, logger *zap.SugaredLogger) *BinanceGateway {
	binance.UseTestnet = testnet
	return &BinanceGateway{
		client: binance.NewClient(apiKey, secretKey),
		logger: logger,
	}
}

// SubscribeOrders 登记订单事件订阅者。
func (g *BinanceGateway) SubscribeOrders(sub OrderEventSubscriber) {
	g.orderSub = sub
}

// asAPIError 把币安的 API 错误转换成本地错误类型, 保留错误码
// 供上层区分可重试与不可重试的失败。
func asAPIError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &models.Error{Code: int(apiErr.Code), Msg: apiErr.Message}
	}
	return err
}

// SubmitOrder 实现 execution.Gateway。broker id 编码为 "SYMBOL:orderID",
// 撤单时无需额外查询即可还原出交易对。
func (g *BinanceGateway) SubmitOrder(req models.OrderRequest) (string, error) {
	side := binance.SideTypeBuy
	if req.Qty < 0 {
		side = binance.SideTypeSell
	}
	qty := strconv.FormatFloat(math.Abs(req.Qty), 'f', 6, 64)

	res, err := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		Do(context.Background())
	if err != nil {
		return "", asAPIError(err)
	}

	brokerID := fmt.Sprintf("%s:%d", req.Symbol, res.OrderID)
	g.dispatchFill(brokerID, req, res)
	return brokerID, nil
}

// dispatchFill 把下单响应换算成订单事件, 异步投递以保持提交路径无重入。
func (g *BinanceGateway) dispatchFill(brokerID string, req models.OrderRequest, res *binance.CreateOrderResponse) {
	if g.orderSub == nil {
		return
	}

	executed, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if req.Qty < 0 {
		executed = -executed
	}
	var price float64
	if len(res.Fills) > 0 {
		price, _ = strconv.ParseFloat(res.Fills[len(res.Fills)-1].Price, 64)
	}

	var status models.OrderStatus
	switch res.Status {
	case binance.OrderStatusTypeFilled:
		status = models.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		status = models.OrderPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		status = models.OrderCanceled
	case binance.OrderStatusTypeRejected:
		status = models.OrderInvalid
	default:
		status = models.OrderSubmitted
	}

	upd := models.OrderUpdate{
		BrokerID:  brokerID,
		Symbol:    req.Symbol,
		Status:    status,
		FillQty:   executed,
		FillPrice: price,
	}
	go g.orderSub.OnOrderUpdate(upd)
}

// CancelOrder 实现 execution.Gateway。
func (g *BinanceGateway) CancelOrder(brokerID string) error {
	symbol, idStr, ok := strings.Cut(brokerID, ":")
	if !ok {
		return fmt.Errorf("非法的 broker id: %q", brokerID)
	}
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("非法的 broker id %q: %w", brokerID, err)
	}
	_, err = g.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(context.Background())
	return asAPIError(err)
}

// AvailableCapital 实现 execution.AccountProvider: 返回交易对计价
// 资产的可用余额。
func (g *BinanceGateway) AvailableCapital(symbol string) (float64, error) {
	account, err := g.client.NewGetAccountService().Do(context.Background())
	if err != nil {
		return 0, asAPIError(err)
	}

	var quote string
	for _, qa := range quoteAssets {
		if strings.HasSuffix(symbol, qa) {
			quote = qa
			break
		}
	}
	if quote == "" {
		return 0, fmt.Errorf("无法从交易对 %s 推断计价资产", symbol)
	}

	for _, b := range account.Balances {
		if b.Asset == quote {
			free, err := strconv.ParseFloat(b.Free, 64)
			if err != nil {
				return 0, err
			}
			return free, nil
		}
	}
	return 0, nil
}
