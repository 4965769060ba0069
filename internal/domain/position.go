package domain

import "github.com/shopspring/decimal"

// Position — локальная позиция по рынку в YES-эквиваленте.
//
// Строится только из собственных исполнений и пересобирается
// из таблицы orders при старте.
type Position struct {
	MarketID string `json:"market_id"`

	// Net — исполненная позиция в контрактах со знаком.
	Net int64 `json:"net"`

	// InFlight — зарезервированное, но ещё не исполненное количество со знаком.
	// Равно InFlightLong − InFlightShort.
	InFlight int64 `json:"in_flight"`

	// InFlightLong и InFlightShort — резервы ордеров, увеличивающих
	// и уменьшающих позицию. Оба неотрицательны.
	InFlightLong  int64 `json:"in_flight_long"`
	InFlightShort int64 `json:"in_flight_short"`

	// Notional — валовая стоимость исполненных контрактов.
	Notional decimal.Decimal `json:"notional"`

	// InFlightNotional — валовая стоимость зарезервированных контрактов.
	InFlightNotional decimal.Decimal `json:"in_flight_notional"`
}

// Exposure возвращает худший модуль позиции: исполнятся все резервы
// одного направления, а резервы другого будут отменены.
func (p Position) Exposure() int64 {
	return max(absQty(p.Net+p.InFlightLong), absQty(p.Net-p.InFlightShort))
}

// GrossNotional возвращает суммарную стоимость позиции и резерва.
func (p Position) GrossNotional() decimal.Decimal {
	return p.Notional.Add(p.InFlightNotional)
}

func absQty(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
