package engine

import (
	"context"
	"errors"
	"time"

	"execution/internal/venue"
	"execution/pkg/retry"
	"execution/pkg/utils"
)

// Resilience выполняет вызовы площадки с политикой повторов по
// классификации сбоя:
//
//   - transient: экспоненциальный backoff, ограниченное число попыток
//   - rate_limited: ровно один повтор после окна RetryAfter площадки
//   - фатальные (auth, bad_request, insufficient_balance и прочие):
//     немедленный возврат без повторов
//
// Неклассифицированные ошибки (не *venue.Error) считаются transient:
// обрыв соединения чаще восстановим, чем нет.
type Resilience struct {
	transient retry.Config

	// sleep инжектируется в тестах
	sleep func(ctx context.Context, d time.Duration) error

	onRetry func(venueName string, kind venue.FaultKind)
}

func NewResilience() *Resilience {
	return &Resilience{
		transient: retry.VenueCallConfig(),
		sleep:     defaultSleep,
	}
}

// SetRetryCallback устанавливает хук для метрик повторов
func (r *Resilience) SetRetryCallback(fn func(venueName string, kind venue.FaultKind)) {
	r.onRetry = fn
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run выполняет операцию с повторами по классификации
func (r *Resilience) Run(ctx context.Context, venueName string, op func(ctx context.Context) error) error {
	log := utils.L().Sugar()

	attempt := 0
	rateLimitRetried := false

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		kind := classify(err)
		switch kind {
		case venue.FaultTransient:
			if attempt >= r.transient.MaxAttempts-1 {
				return err
			}
			delay := r.transient.Delay(attempt)
			log.Warnw("venue call failed, retrying",
				"venue", venueName, "attempt", attempt+1, "delay", delay, "error", err)
			r.notifyRetry(venueName, kind)
			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				return err
			}
			attempt++

		case venue.FaultRateLimited:
			if rateLimitRetried {
				return err
			}
			rateLimitRetried = true
			delay := retryAfterOf(err)
			log.Warnw("venue rate limit hit, backing off once",
				"venue", venueName, "delay", delay, "error", err)
			r.notifyRetry(venueName, kind)
			if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
				return err
			}

		default:
			// Фатальный сбой: повтор не изменит исход
			return err
		}
	}
}

// RunWithResult - вариант Run для операций с результатом
func RunWithResult[T any](ctx context.Context, r *Resilience, venueName string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Run(ctx, venueName, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// classify определяет вид сбоя; не-venue ошибки считаются transient
func classify(err error) venue.FaultKind {
	var verr *venue.Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return venue.FaultTransient
}

// retryAfterOf извлекает окно, запрошенное площадкой (default 1s)
func retryAfterOf(err error) time.Duration {
	var verr *venue.Error
	if errors.As(err, &verr) && verr.RetryAfter > 0 {
		return verr.RetryAfter
	}
	return time.Second
}

func (r *Resilience) notifyRetry(venueName string, kind venue.FaultKind) {
	if r.onRetry != nil {
		r.onRetry(venueName, kind)
	}
}
