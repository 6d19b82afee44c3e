package trader

import (
	"fmt"
	"time"

	"pair-grid-bot-go/internal/execution"
	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/models"
	"pair-grid-bot-go/internal/persistence"
	"pair-grid-bot-go/internal/position"
	"pair-grid-bot-go/internal/spread"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// eventType 是内部事件循环的事件类型
type eventType int

const (
	quoteEvent eventType = iota
	orderEvent
	retryEvent
)

type event struct {
	kind  eventType
	quote models.PairQuote
	order models.OrderUpdate
}

// PairTrader 把行情、价差、网格与执行串成一条处理链。
// 核心保证: 所有状态变更在单一逻辑线程上串行执行。实盘模式下
// 行情与订单回报来自不同 goroutine, 统一汇入事件通道后串行处理;
// 回放模式下引擎本身就是单线程, 事件被就地处理。
type PairTrader struct {
	cfg          *models.Config
	gridMgr      *grid.Manager
	posMgr       *position.Manager
	execMgr      *execution.Manager
	statePersist *persistence.StatePersistence
	logger       *zap.SugaredLogger

	sessionID string
	serialize bool

	eventChannel chan event
	stopChannel  chan bool
}

// New 创建交易器。serialize 为 true 时启用内部事件循环 (实盘模式)。
func New(cfg *models.Config, gridMgr *grid.Manager, posMgr *position.Manager,
	execMgr *execution.Manager, statePersist *persistence.StatePersistence,
	serialize bool, logger *zap.SugaredLogger) *PairTrader {

	t := &PairTrader{
		cfg:          cfg,
		gridMgr:      gridMgr,
		posMgr:       posMgr,
		execMgr:      execMgr,
		statePersist: statePersist,
		logger:       logger,
		sessionID:    uuid.NewString(),
		serialize:    serialize,
		eventChannel: make(chan event, 1024),
		stopChannel:  make(chan bool),
	}

	if statePersist != nil {
		execMgr.SetPersistHook(func() {
			if err := statePersist.Persist(posMgr, execMgr); err != nil {
				t.logger.Errorf("CRITICAL: 状态落盘失败: %v", err)
			}
		})
	}
	return t
}

// SessionID 返回本次运行的会话标识。
func (t *PairTrader) SessionID() string {
	return t.sessionID
}

// Init 初始化网格并恢复历史状态。必须在任何行情/订单事件之前调用:
// 恢复协议的哈希配对依赖网格线先存在于内存中。
func (t *PairTrader) Init() error {
	if err := t.gridMgr.SetupPair(t.cfg.Pair, t.cfg.Levels, t.cfg.Fees); err != nil {
		return fmt.Errorf("网格初始化失败: %w", err)
	}
	if t.statePersist != nil {
		if err := t.statePersist.Restore(t.gridMgr, t.cfg.Pair.Symbol(), t.posMgr, t.execMgr); err != nil {
			return fmt.Errorf("状态恢复失败: %w", err)
		}
	}
	t.logger.Infof("交易器就绪: 配对 %s, 会话 %s", t.cfg.Pair.Symbol(), t.sessionID)
	return nil
}

// Start 启动实盘事件循环与补单定时器。回放模式不需要调用。
func (t *PairTrader) Start() {
	go t.eventLoop()
	go t.retryLoop()
	t.logger.Info("交易器事件循环已启动")
}

// Stop 停止交易器。
func (t *PairTrader) Stop() {
	close(t.stopChannel)
	t.logger.Info("交易器已停止")
}

// OnPairQuote 实现 engine.QuoteSubscriber。
func (t *PairTrader) OnPairQuote(q models.PairQuote) {
	if t.serialize {
		t.eventChannel <- event{kind: quoteEvent, quote: q}
		return
	}
	t.handleQuote(q)
}

// OnOrderUpdate 实现 engine.OrderEventSubscriber。
func (t *PairTrader) OnOrderUpdate(u models.OrderUpdate) {
	if t.serialize {
		t.eventChannel <- event{kind: orderEvent, order: u}
		return
	}
	t.execMgr.HandleOrderUpdate(u)
}

func (t *PairTrader) eventLoop() {
	for {
		select {
		case ev := <-t.eventChannel:
			switch ev.kind {
			case quoteEvent:
				t.handleQuote(ev.quote)
			case orderEvent:
				t.execMgr.HandleOrderUpdate(ev.order)
			case retryEvent:
				t.execMgr.RetryPending()
			}
		case <-t.stopChannel:
			return
		}
	}
}

// retryLoop 周期性触发未成交余量的补单。补单刻意由定时器驱动而不是
// 嵌在成交回调里, 成交风暴下才不会无界递归。
func (t *PairTrader) retryLoop() {
	interval := time.Duration(t.cfg.RetryIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.eventChannel <- event{kind: retryEvent}
		case <-t.stopChannel:
			return
		}
	}
}

// handleQuote 是一条行情的完整处理链:
// 报价 -> 价差 -> 网格评估 -> 开/平仓。回放模式下顺带驱动补单。
func (t *PairTrader) handleQuote(q models.PairQuote) {
	pct, ok := spread.Compute(q.Leg1.BidPrice, q.Leg1.AskPrice, q.Leg2.BidPrice, q.Leg2.AskPrice)
	if !ok {
		return // 无信号, 与零价差严格区分
	}

	triggers := t.gridMgr.Evaluate(t.cfg.Pair.Symbol(), pct, t.execMgr)
	for _, trig := range triggers {
		switch trig.Level.Kind {
		case grid.Entry:
			if _, err := t.execMgr.Open(trig, q); err != nil {
				t.logger.Errorf("开仓失败 (%s): %v", trig.Level.GridID(), err)
			}
		case grid.Exit:
			// 信号反转: 若配对 ENTRY 的目标还在途, 先撤掉再平仓
			if hash, active := t.execMgr.ActiveTargetHash(trig.EntryLevel.Hash()); active {
				t.logger.Warnf("EXIT 触发时 ENTRY 目标仍在途, 撤销 %s", hash)
				t.execMgr.CancelTarget(hash)
			}
			if _, err := t.execMgr.Close(trig); err != nil {
				t.logger.Errorf("平仓失败 (%s): %v", trig.Level.GridID(), err)
			}
		}
	}

	if !t.serialize {
		t.execMgr.RetryPending()
	}
}
