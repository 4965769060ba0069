package scheduler

import (
	"time"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Backoff вычисляет задержку перед попыткой attempt+1.
//
// exponential: min(base × 2^(attempt-1), cap), fixed: base.
// Jitter добавляет равномерную случайную долю [0, jitter × delay),
// итог всё равно не превышает cap. rnd возвращает число из [0, 1).
func Backoff(p domain.RetryPolicy, attempt int, rnd func() float64) time.Duration {
	base := time.Duration(p.InitialDelayMs) * time.Millisecond
	ceiling := time.Duration(p.MaxDelayMs) * time.Millisecond
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	if p.Backoff != "fixed" {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if ceiling > 0 && delay >= ceiling {
				break
			}
		}
	}
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	if p.Jitter > 0 && rnd != nil {
		delay += time.Duration(rnd() * p.Jitter * float64(delay))
	}
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	return delay
}
