package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Ошибки конфигурации триггера.
var (
	// ErrInvalidTrigger — триггер задан некорректно.
	ErrInvalidTrigger = errors.New("invalid trigger")
)

// cronParser — парсер cron-выражений из пяти полей.
// Дескрипторы вида "@hourly" и "@every 5m" тоже принимаются.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующее время запуска после from.
// Cron вычисляется в часовом поясе триггера, результат в UTC.
// Интервалы выровнены по границе интервала, поэтому у всех
// экземпляров совпадают моменты срабатывания.
func CalculateNextDue(t *domain.Trigger, from time.Time) (time.Time, error) {
	loc, err := location(t.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	from = from.In(loc)

	switch {
	case t.IsCron():
		schedule, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", t.CronExpr, err)
		}
		return schedule.Next(from).UTC(), nil
	case t.IsInterval():
		d := time.Duration(t.IntervalSec) * time.Second
		return from.Truncate(d).Add(d).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %s has neither cron nor interval_sec", ErrInvalidTrigger, t.Name)
	}
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Validate проверяет триггер целиком.
func Validate(t *domain.Trigger) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidTrigger)
	}
	if strings.TrimSpace(t.Pipeline) == "" {
		return fmt.Errorf("%w: %s: pipeline is empty", ErrInvalidTrigger, t.Name)
	}
	if t.IntervalSec < 0 {
		return fmt.Errorf("%w: %s: interval_sec is negative", ErrInvalidTrigger, t.Name)
	}
	if !t.IsCron() && !t.IsInterval() {
		return fmt.Errorf("%w: %s: cron or interval_sec is required", ErrInvalidTrigger, t.Name)
	}
	if t.IsCron() {
		if err := ValidateCronExpr(t.CronExpr); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidTrigger, t.Name, err)
		}
	}
	if _, err := location(t.Timezone); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidTrigger, t.Name, err)
	}
	return nil
}

// IdempotencyKey — ключ run для срабатывания триггера в момент due.
func IdempotencyKey(name string, due time.Time) string {
	return name + "_" + due.UTC().Format(time.RFC3339)
}

func location(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}
