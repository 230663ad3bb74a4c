package venue

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"execution/pkg/utils"
)

// PriceStreamConfig - параметры переподключения WebSocket потока цен
type PriceStreamConfig struct {
	ReconnectDelay    time.Duration // начальная задержка переподключения
	MaxReconnectDelay time.Duration // потолок экспоненциального backoff
	PingInterval      time.Duration
	WriteTimeout      time.Duration
}

func DefaultPriceStreamConfig() PriceStreamConfig {
	return PriceStreamConfig{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      20 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// PriceStream - кэш последних цен, питаемый публичным WebSocket потоком
// площадки. Переподключается самостоятельно с экспоненциальным backoff
// и восстанавливает подписки после обрыва.
//
// Поток best-effort: адаптер всегда имеет REST fallback, поэтому сбои
// потока не поднимаются наверх, а только логируются.
type PriceStream struct {
	venue string
	wsURL string
	cfg   PriceStreamConfig

	mu      sync.RWMutex
	conn    *websocket.Conn
	prices  map[string]float64 // symbol -> last price
	topics  map[string]bool    // активные подписки
	closed  bool
	started bool

	done chan struct{}
}

func NewPriceStream(venueName, wsURL string, cfg PriceStreamConfig) *PriceStream {
	return &PriceStream{
		venue:  venueName,
		wsURL:  wsURL,
		cfg:    cfg,
		prices: make(map[string]float64),
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}
}

// Start запускает фоновый цикл чтения. Повторный вызов - no-op.
func (s *PriceStream) Start() error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
	return nil
}

// Close останавливает поток. После Close поток не переиспользуется.
func (s *PriceStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
}

// LastPrice возвращает последнюю цену символа из кэша
func (s *PriceStream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	return price, ok && price > 0
}

// Subscribe подписывает поток на тикер символа.
// Подписка переживает переподключения.
func (s *PriceStream) Subscribe(symbol string) error {
	s.mu.Lock()
	if s.topics[symbol] {
		s.mu.Unlock()
		return nil
	}
	s.topics[symbol] = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil // уйдёт в resubscribe при подключении
	}
	return s.sendSubscribe(conn, []string{symbol})
}

func (s *PriceStream) sendSubscribe(conn *websocket.Conn, symbols []string) error {
	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, "tickers."+sym)
	}
	msg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

// run - основной цикл: подключение, чтение, переподключение
func (s *PriceStream) run() {
	delay := s.cfg.ReconnectDelay
	log := utils.L().Sugar()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
		if err != nil {
			log.Warnw("price stream dial failed",
				"venue", s.venue, "error", err, "retry_in", delay)
			select {
			case <-s.done:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.cfg.MaxReconnectDelay {
				delay = s.cfg.MaxReconnectDelay
			}
			continue
		}
		delay = s.cfg.ReconnectDelay

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		resubscribe := make([]string, 0, len(s.topics))
		for sym := range s.topics {
			resubscribe = append(resubscribe, sym)
		}
		s.mu.Unlock()

		if len(resubscribe) > 0 {
			if err := s.sendSubscribe(conn, resubscribe); err != nil {
				log.Warnw("price stream resubscribe failed",
					"venue", s.venue, "error", err)
			}
		}

		pingDone := make(chan struct{})
		go s.pingLoop(conn, pingDone)

		s.readLoop(conn)
		close(pingDone)
		conn.Close()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}
}

func (s *PriceStream) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *PriceStream) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(raw)
	}
}

// handleMessage разбирает сообщение тикера и обновляет кэш.
// Формат Bybit v5: {"topic":"tickers.BTCUSDT","data":{"lastPrice":"..."}}
func (s *PriceStream) handleMessage(raw []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return // служебное сообщение (pong, subscribe ack)
	}

	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	s.mu.Lock()
	s.prices[msg.Data.Symbol] = price
	s.mu.Unlock()
}
