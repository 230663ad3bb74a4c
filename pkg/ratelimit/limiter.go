package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - admission control для запросов к API одной площадки (venue)
//
// Два независимых ограничения:
//  1. Потолок одновременных запросов (документированный лимит площадки
//     на параллельные соединения)
//  2. Минимальный интервал между запросами для одного ресурса (обычно
//     символа) - защита от burst throttling
//
// Limiter - это throttle, а не circuit breaker: запрос никогда не
// отклоняется, он либо дожидается допуска, либо отменяется через context.
// Ответы 429 от самой площадки обрабатываются уровнем выше (resilience).
//
// Использование:
//
//	limiter := ratelimit.New("bybit", ratelimit.Preset{MaxConcurrent: 10, MinInterval: 100 * time.Millisecond})
//	if err := limiter.Admit(ctx, "BTCUSDT"); err != nil {
//	    return err // context отменён
//	}
//	// выполняем запрос к площадке
type Limiter struct {
	venue string

	// Буферизованный канал как semaphore на параллельные запросы
	slots chan struct{}

	minInterval time.Duration

	mu          sync.Mutex
	lastRequest map[string]time.Time // resource key -> время последнего допуска

	// Инжектируемые clock и sleep для детерминированных тестов
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Preset - документированный бюджет запросов площадки.
// Лимиты различаются на порядок между площадками, поэтому preset - это
// данные, а не ветки кода.
type Preset struct {
	MaxConcurrent int
	MinInterval   time.Duration
}

// Presets - дефолтные бюджеты по площадкам.
// Значения консервативнее публичных лимитов API.
var Presets = map[string]Preset{
	"bybit":   {MaxConcurrent: 10, MinInterval: 100 * time.Millisecond},
	"binance": {MaxConcurrent: 20, MinInterval: 50 * time.Millisecond},
	"alpaca":  {MaxConcurrent: 5, MinInterval: 200 * time.Millisecond},
}

// PresetFor возвращает preset для площадки или консервативный дефолт.
func PresetFor(venue string) Preset {
	if p, ok := Presets[venue]; ok {
		return p
	}
	return Preset{MaxConcurrent: 5, MinInterval: 200 * time.Millisecond}
}

// New создаёт limiter для площадки с заданным бюджетом
func New(venue string, p Preset) *Limiter {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	if p.MinInterval < 0 {
		p.MinInterval = 0
	}

	return &Limiter{
		venue:       venue,
		slots:       make(chan struct{}, p.MaxConcurrent),
		minInterval: p.MinInterval,
		lastRequest: make(map[string]time.Time),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// sleepCtx ждёт d с возможностью отмены через context
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit блокирует до выполнения обоих ограничений для resourceKey.
// Timestamp последнего запроса фиксируется до освобождения слота, поэтому
// два конкурентных Admit с одним ключом не проскочат в один интервал.
//
// Возвращает nil когда запрос можно отправлять, либо ctx.Err().
func (l *Limiter) Admit(ctx context.Context, resourceKey string) error {
	if err := l.acquireSlot(ctx); err != nil {
		return err
	}

	for {
		l.mu.Lock()
		now := l.now()
		last, seen := l.lastRequest[resourceKey]
		if !seen || now.Sub(last) >= l.minInterval {
			l.lastRequest[resourceKey] = now
			l.mu.Unlock()
			l.releaseSlot()
			return nil
		}
		wait := l.minInterval - now.Sub(last)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			l.releaseSlot()
			return err
		}
	}
}

// AdmitGlobal применяет только потолок параллельных запросов.
// Для операций без естественного resource key (баланс, margin health).
func (l *Limiter) AdmitGlobal(ctx context.Context) error {
	if err := l.acquireSlot(ctx); err != nil {
		return err
	}
	l.releaseSlot()
	return nil
}

func (l *Limiter) acquireSlot(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
	}

	// Все слоты заняты - ждём с возможностью отмены
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) releaseSlot() {
	<-l.slots
}

// Venue возвращает имя площадки (для логирования и метрик)
func (l *Limiter) Venue() string {
	return l.venue
}

// MinInterval возвращает настроенный интервал между запросами
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// MaxConcurrent возвращает потолок параллельных запросов
func (l *Limiter) MaxConcurrent() int {
	return cap(l.slots)
}

// SetClock подменяет источник времени и функцию ожидания.
// Только для тестов: позволяет проверять интервалы без реального сна.
func (l *Limiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
	if sleep != nil {
		l.sleep = sleep
	}
}
