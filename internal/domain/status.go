package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	                  ↘ FAILED
//	          (или) → ABORTED (из PENDING или RUNNING)
type RunStatus string

const (
	// RunStatusPending — run создан, но ещё не начал выполняться.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все стадии завершились успешно.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — run завершился с ошибкой.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusAborted — run отменён оператором.
	RunStatusAborted RunStatus = "ABORTED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// ActiveRunStatuses — статусы, из которых run ещё может перейти дальше.
var ActiveRunStatuses = []RunStatus{RunStatusPending, RunStatusRunning}

// TaskStatus — статус попытки выполнения стадии.
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → SUCCEEDED
//	                 ↘ FAILED → RETRYING (создана следующая попытка)
type TaskStatus string

const (
	// TaskStatusQueued — попытка записана и ждёт захвата.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusRunning — попытка захвачена и выполняется агентом.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusSucceeded — попытка завершена успешно.
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"

	// TaskStatusFailed — попытка завершилась ошибкой.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusRetrying — попытка провалилась, запланирована следующая.
	TaskStatusRetrying TaskStatus = "RETRYING"
)

// IsTerminal возвращает true, если попытка больше не изменится.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusRetrying:
		return true
	default:
		return false
	}
}

// ErrorKind — классификация ошибки попытки.
type ErrorKind string

const (
	ErrorKindTransient     ErrorKind = "transient"
	ErrorKindPermanent     ErrorKind = "permanent"
	ErrorKindMergeConflict ErrorKind = "merge_conflict"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindCancelled     ErrorKind = "cancelled"
)

// Retryable возвращает true для ошибок, после которых имеет смысл повтор.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindTimeout
}

// OrderStatus — статус ордера на площадке.
//
// Жизненный цикл:
//
//	PENDING → SUBMITTED → PARTIALLY_FILLED → FILLED
//	        ↘ REJECTED  ↘ CANCELLED
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal возвращает true, если ордер больше не изменится.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseOrderStatus парсит строку в OrderStatus.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch OrderStatus(s) {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return OrderStatus(s), true
	default:
		return "", false
	}
}
