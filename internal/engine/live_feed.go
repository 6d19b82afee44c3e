package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pair-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveFeed 通过组合流订阅两条腿的 bookTicker, 把最优买卖价推给订阅者。
// 连接断开后自动重连, 心跳机制与读超时保持连接存活。
type LiveFeed struct {
	pair      models.PairConfig
	wsBaseURL string
	logger    *zap.SugaredLogger

	sub         QuoteSubscriber
	wsConn      *websocket.Conn
	stopChannel chan bool

	quotes map[string]models.Quote
}

// NewLiveFeed 创建实时行情源。
func NewLiveFeed(pair models.PairConfig, wsBaseURL string, logger *zap.SugaredLogger) *LiveFeed {
	return &LiveFeed{
		pair:        pair,
		wsBaseURL:   wsBaseURL,
		logger:      logger,
		stopChannel: make(chan bool),
		quotes:      make(map[string]models.Quote),
	}
}

// Subscribe 登记报价订阅者, 必须在 Start 之前调用。
func (f *LiveFeed) Subscribe(sub QuoteSubscriber) {
	f.sub = sub
}

// Start 启动行情守护循环。
func (f *LiveFeed) Start() error {
	if f.sub == nil {
		return fmt.Errorf("行情源启动前必须先注册订阅者")
	}
	go f.connectionLoop()
	return nil
}

// Stop 停止行情源。
func (f *LiveFeed) Stop() {
	close(f.stopChannel)
}

// connectionLoop 是守护循环, 负责维持 WebSocket 的连接和重连。
func (f *LiveFeed) connectionLoop() {
	for {
		select {
		case <-f.stopChannel:
			f.logger.Info("行情循环已停止")
			return
		default:
			if err := f.connect(); err != nil {
				f.logger.Warnf("WebSocket连接失败: %v。5秒后重试...", err)
				time.Sleep(5 * time.Second)
				continue
			}
			f.logger.Info("WebSocket连接成功")
			if err := f.readMessages(); err != nil {
				f.logger.Warnf("WebSocket处理时发生错误: %v", err)
			}
			if f.wsConn != nil {
				f.wsConn.Close()
			}
			f.logger.Info("WebSocket连接已断开，准备重连...")
			time.Sleep(5 * time.Second)
		}
	}
}

func (f *LiveFeed) connect() error {
	streams := fmt.Sprintf("%s@bookTicker/%s@bookTicker",
		strings.ToLower(f.pair.Leg1), strings.ToLower(f.pair.Leg2))
	wsURL := fmt.Sprintf("%s/stream?streams=%s", f.wsBaseURL, streams)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	f.wsConn = conn
	return nil
}

// combinedBookTicker 是组合流的 bookTicker 负载
type combinedBookTicker struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string `json:"s"`
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"data"`
}

// readMessages 为一个已建立的连接处理消息, 并实现心跳机制。
func (f *LiveFeed) readMessages() error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10 // 必须小于 pongWait
	)

	f.wsConn.SetReadDeadline(time.Now().Add(pongWait))
	f.wsConn.SetPongHandler(func(string) error {
		f.wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := f.wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Warnf("发送Ping失败: %v", err)
					return
				}
			case <-pingStop:
				return
			case <-f.stopChannel:
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopChannel:
			err := f.wsConn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("发送WebSocket关闭帧失败: %v", err)
			}
			return nil
		default:
			_, message, err := f.wsConn.ReadMessage()
			if err != nil {
				return fmt.Errorf("读取消息失败: %v", err)
			}
			f.handleMessage(message)
		}
	}
}

func (f *LiveFeed) handleMessage(message []byte) {
	var tick combinedBookTicker
	if err := json.Unmarshal(message, &tick); err != nil {
		f.logger.Warnf("解析bookTicker失败: %v", err)
		return
	}
	if tick.Data.Symbol == "" {
		return
	}

	var bid, ask float64
	fmt.Sscanf(tick.Data.BidPrice, "%f", &bid)
	fmt.Sscanf(tick.Data.AskPrice, "%f", &ask)

	now := time.Now()
	f.quotes[tick.Data.Symbol] = models.Quote{
		Symbol:    tick.Data.Symbol,
		BidPrice:  bid,
		AskPrice:  ask,
		Timestamp: now,
	}

	q1, ok1 := f.quotes[f.pair.Leg1]
	q2, ok2 := f.quotes[f.pair.Leg2]
	if !ok1 || !ok2 {
		return // 两腿都有报价后才能评估价差
	}
	f.sub.OnPairQuote(models.PairQuote{Leg1: q1, Leg2: q2, Timestamp: now})
}
