package engine

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execution/internal/models"
	"execution/internal/repository"
)

// KeyGenerator выдаёт ключи идемпотентности вида
//
//	ord_{unix-nano}_{16 hex}
//
// Наносекундная компонента строго монотонна даже при конкурентных
// вызовах (CAS-цикл), поэтому ключи уникальны независимо от случайного
// суффикса. Суффикс защищает от коллизий между процессами.
type KeyGenerator struct {
	lastNano int64
}

func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// Next возвращает новый уникальный ключ
func (g *KeyGenerator) Next() string {
	var ts int64
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&g.lastNano)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&g.lastNano, last, now) {
			ts = now
			break
		}
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand недоступен только при деградации ОС; ключ
		// остаётся уникальным за счёт монотонного timestamp
		binaryPut(suffix, uint64(ts))
	}

	return fmt.Sprintf("ord_%d_%s", ts, hex.EncodeToString(suffix))
}

func binaryPut(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

// maxCachedKeys ограничивает кэш дедупликации в памяти.
// При переполнении кэш сбрасывается: корректность не страдает,
// дедупликацию гарантирует UNIQUE constraint в базе.
const maxCachedKeys = 100000

// Guard реализует at-most-once семантику отправки.
//
// Два уровня:
//   - кэш в памяти: быстрый путь для повторов в пределах процесса
//   - UNIQUE(idempotency_key) в PostgreSQL: граница корректности;
//     при конкурентной вставке одного ключа выигрывает ровно один
//     committer, проигравшие читают его запись
type Guard struct {
	store OrderStore
	keys  *KeyGenerator

	mu    sync.Mutex
	cache map[string]int64 // key -> order id
}

func NewGuard(store OrderStore) *Guard {
	return &Guard{
		store: store,
		keys:  NewKeyGenerator(),
		cache: make(map[string]int64),
	}
}

// Reserve резервирует ключ под ордер.
//
// Возвращает (order, created):
//   - created=true: placeholder вставлен, вызывающая сторона обязана
//     выполнить отправку на площадку
//   - created=false: ключ уже занят, возвращается существующая запись
//     без какого-либо обращения к площадке
//
// Отклонённый и подтверждённый ордер освобождает свой ключ: повторная
// отправка с тем же ключом переиспользует запись (reclaim).
func (g *Guard) Reserve(intent *models.OrderIntent) (*models.Order, bool, error) {
	key := intent.ClientOrderID
	if key == "" {
		key = g.keys.Next()
	}

	// Быстрый путь: ключ уже виден в этом процессе
	if id, ok := g.lookupCache(key); ok {
		existing, err := g.store.GetByID(id)
		if err == nil && !isReclaimable(existing) {
			return existing, false, nil
		}
		// Запись пропала или подлежит reclaim: идём медленным путём
	}

	placeholder := &models.Order{
		IdempotencyKey: key,
		Venue:          intent.Venue,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		Status:         models.StatusPending,
		StrategyTag:    intent.StrategyTag,
	}

	err := g.store.Create(placeholder)
	if err == nil {
		g.remember(key, placeholder.ID)
		return placeholder, true, nil
	}
	if !errors.Is(err, repository.ErrDuplicateKey) {
		return nil, false, err
	}

	// Проигравший при конкурентной вставке: читаем выигравшую запись
	existing, err := g.store.GetByKey(key)
	if err != nil {
		return nil, false, err
	}
	g.remember(key, existing.ID)

	if isReclaimable(existing) {
		reclaimed, err := g.store.ReclaimRejected(key)
		if err == nil {
			return reclaimed, true, nil
		}
		if errors.Is(err, repository.ErrNotReclaimable) {
			// Гонка: кто-то успел раньше. Отдаём его результат.
			existing, err = g.store.GetByKey(key)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	return existing, false, nil
}

// isReclaimable: ключ освобождается только подтверждённым отказом
func isReclaimable(order *models.Order) bool {
	return order.Status == models.StatusRejected && order.Acknowledged
}

func (g *Guard) lookupCache(key string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.cache[key]
	return id, ok
}

func (g *Guard) remember(key string, id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= maxCachedKeys {
		g.cache = make(map[string]int64)
	}
	g.cache[key] = id
}
