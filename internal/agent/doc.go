// Package agent содержит исполнителей стадий pipeline.
//
// # Интерфейс Agent
//
//	type Agent interface {
//	    Capability() domain.Capability
//	    Execute(ctx context.Context, in *Input) (Output, error)
//	}
//
// Input содержит параметры стадии (уже отрендеренные), объединённые
// выходы зависимостей и входы run. Output — map, доступная
// зависимым стадиям.
//
// # Registry
//
//	registry := agent.DefaultRegistry(features)
//	a, err := registry.Get(domain.CapabilitySignalGeneration)
//
// # Встроенные агенты
//
//   - data_cleaning       — DataCleaning, фильтрует market.quotes
//   - feature_engineering — FeatureEngineering, mid/spread/momentum в feature store
//   - model_selection     — ModelSelection, выбор из candidates
//   - model_training      — ModelTraining, оценка probability
//   - signal_generation   — SignalGeneration, сигнал или null
//   - remote              — Remote, POST во внешний сервис
//
// # Ошибки
//
// Агент классифицирует ошибку через Transient / Permanent.
// Неклассифицированная ошибка считается временной, отмена ctx не
// повторяется. Retry выполняет scheduler, агенты только возвращают ошибки.
package agent
