package execution

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Limits — лимиты риска.
type Limits struct {
	// KillSwitch запрещает любые новые ордера.
	KillSwitch bool

	// MaxOrderSize — максимальный размер одного ордера в контрактах.
	MaxOrderSize int64

	// MaxPosition — лимит худшей позиции по одному рынку
	// (см. domain.Position.Exposure).
	MaxPosition int64

	// MaxAggregateNotional — лимит суммарной стоимости позиций
	// и резервов по всем рынкам.
	MaxAggregateNotional decimal.Decimal
}

// RiskReason — причина отказа риск-проверки.
type RiskReason string

const (
	RiskReasonNone              RiskReason = ""
	RiskReasonKillSwitch        RiskReason = "kill_switch"
	RiskReasonMaxOrderSize      RiskReason = "max_order_size"
	RiskReasonPositionLimit     RiskReason = "position_limit"
	RiskReasonAggregateNotional RiskReason = "aggregate_notional"
)

// RiskDecision — результат риск-проверки.
type RiskDecision struct {
	Allowed bool
	Reason  RiskReason

	// CurrentExposure — худшая позиция до проверки.
	CurrentExposure int64

	// Projected — худшая позиция после ордера.
	Projected int64

	// AggregateNotional — суммарная стоимость после ордера.
	AggregateNotional decimal.Decimal
}

// reservation — зарезервированный остаток ордера.
type reservation struct {
	sign  int64
	qty   int64
	price decimal.Decimal
}

func (r *reservation) notional() decimal.Decimal {
	return r.price.Mul(decimal.NewFromInt(r.qty))
}

// marketBook — позиция и резервы одного рынка.
type marketBook struct {
	mu       sync.Mutex
	pos      domain.Position
	reserved map[string]*reservation
}

// Book — книга позиций и резервов.
//
// Каждый рынок под своим мьютексом. Суммарная стоимость под мьютексом
// книги, который берётся только внутри мьютекса рынка.
type Book struct {
	limits Limits

	mu       sync.Mutex
	markets  map[string]*marketBook
	notional decimal.Decimal
}

// NewBook создаёт пустую книгу.
func NewBook(limits Limits) *Book {
	return &Book{
		limits:  limits,
		markets: make(map[string]*marketBook),
	}
}

// Limits возвращает лимиты книги.
func (b *Book) Limits() Limits {
	return b.limits
}

func (b *Book) market(id string) *marketBook {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.markets[id]
	if !ok {
		m = &marketBook{
			pos:      domain.Position{MarketID: id},
			reserved: make(map[string]*reservation),
		}
		b.markets[id] = m
	}
	return m
}

// Reserve проверяет ордер и резервирует его объём одной операцией.
// Повторный резерв того же ключа не меняет книгу.
//
// Встречные резервы не взаимозачитываются: любой из них может быть
// отменён. Ордер, не увеличивающий худшую позицию, проходит даже
// сверх лимита.
func (b *Book) Reserve(o *domain.Order) RiskDecision {
	m := b.market(o.MarketID)
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := domain.SignedQty(o.Side, o.Outcome, 1)
	notional := o.Notional()

	next := m.pos
	hold(&next, dir, o.Size)
	decision := RiskDecision{
		Allowed:         true,
		CurrentExposure: m.pos.Exposure(),
		Projected:       next.Exposure(),
	}

	if _, ok := m.reserved[o.Key]; ok {
		decision.Projected = decision.CurrentExposure
		return decision
	}

	if b.limits.KillSwitch {
		return deny(decision, RiskReasonKillSwitch)
	}
	if b.limits.MaxOrderSize > 0 && o.Size > b.limits.MaxOrderSize {
		return deny(decision, RiskReasonMaxOrderSize)
	}
	if b.limits.MaxPosition > 0 && decision.Projected > b.limits.MaxPosition && decision.Projected > decision.CurrentExposure {
		return deny(decision, RiskReasonPositionLimit)
	}

	b.mu.Lock()
	aggregate := b.notional.Add(notional)
	decision.AggregateNotional = aggregate
	if b.limits.MaxAggregateNotional.IsPositive() && aggregate.GreaterThan(b.limits.MaxAggregateNotional) {
		b.mu.Unlock()
		return deny(decision, RiskReasonAggregateNotional)
	}
	b.notional = aggregate
	b.mu.Unlock()

	m.reserved[o.Key] = &reservation{sign: dir, qty: o.Size, price: o.Price}
	hold(&m.pos, dir, o.Size)
	m.pos.InFlightNotional = m.pos.InFlightNotional.Add(notional)
	return decision
}

// Fill переносит qty контрактов ордера из резерва в позицию.
func (b *Book) Fill(o *domain.Order, qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	m := b.market(o.MarketID)
	m.mu.Lock()
	defer m.mu.Unlock()

	signed := domain.SignedQty(o.Side, o.Outcome, qty)
	cost := price.Mul(decimal.NewFromInt(qty))
	released := decimal.Zero

	if r, ok := m.reserved[o.Key]; ok {
		take := min(qty, r.qty)
		released = r.price.Mul(decimal.NewFromInt(take))
		r.qty -= take
		hold(&m.pos, r.sign, -take)
		m.pos.InFlightNotional = m.pos.InFlightNotional.Sub(released)
		if r.qty == 0 {
			delete(m.reserved, o.Key)
		}
	}

	m.pos.Net += signed
	m.pos.Notional = m.pos.Notional.Add(cost)

	b.mu.Lock()
	b.notional = b.notional.Sub(released).Add(cost)
	b.mu.Unlock()
}

// Release снимает оставшийся резерв ордера.
func (b *Book) Release(o *domain.Order) {
	m := b.market(o.MarketID)
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reserved[o.Key]
	if !ok {
		return
	}
	delete(m.reserved, o.Key)

	notional := r.notional()
	hold(&m.pos, r.sign, -r.qty)
	m.pos.InFlightNotional = m.pos.InFlightNotional.Sub(notional)

	b.mu.Lock()
	b.notional = b.notional.Sub(notional)
	b.mu.Unlock()
}

// Load восстанавливает книгу из сохранённых ордеров: исполненная часть
// идёт в позицию, остаток нетерминальных ордеров резервируется.
// Лимиты при загрузке не проверяются.
func (b *Book) Load(o *domain.Order) {
	m := b.market(o.MarketID)
	m.mu.Lock()
	defer m.mu.Unlock()

	added := decimal.Zero
	if o.FilledQty > 0 {
		cost := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
		m.pos.Net += domain.SignedQty(o.Side, o.Outcome, o.FilledQty)
		m.pos.Notional = m.pos.Notional.Add(cost)
		added = added.Add(cost)
	}

	if !o.IsFinished() && o.Remaining() > 0 {
		if _, ok := m.reserved[o.Key]; !ok {
			r := &reservation{
				sign:  domain.SignedQty(o.Side, o.Outcome, 1),
				qty:   o.Remaining(),
				price: o.Price,
			}
			m.reserved[o.Key] = r
			hold(&m.pos, r.sign, r.qty)
			m.pos.InFlightNotional = m.pos.InFlightNotional.Add(r.notional())
			added = added.Add(r.notional())
		}
	}

	b.mu.Lock()
	b.notional = b.notional.Add(added)
	b.mu.Unlock()
}

// Position возвращает снимок позиции по рынку.
func (b *Book) Position(marketID string) domain.Position {
	m := b.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Positions возвращает снимки всех позиций, отсортированные по рынку.
func (b *Book) Positions() []domain.Position {
	b.mu.Lock()
	books := make([]*marketBook, 0, len(b.markets))
	for _, m := range b.markets {
		books = append(books, m)
	}
	b.mu.Unlock()

	out := make([]domain.Position, 0, len(books))
	for _, m := range books {
		m.mu.Lock()
		out = append(out, m.pos)
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// AggregateNotional возвращает суммарную стоимость позиций и резервов.
func (b *Book) AggregateNotional() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notional
}

func deny(d RiskDecision, reason RiskReason) RiskDecision {
	d.Allowed = false
	d.Reason = reason
	return d
}

// hold добавляет qty контрактов направления dir (±1) в резерв позиции.
// Отрицательное qty снимает резерв.
func hold(p *domain.Position, dir, qty int64) {
	if dir > 0 {
		p.InFlightLong += qty
	} else {
		p.InFlightShort += qty
	}
	p.InFlight += dir * qty
}
