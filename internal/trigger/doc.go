// Package trigger запускает pipelines по расписанию.
//
// Триггер задаётся в конфигурации сервиса cron-выражением или
// интервалом. Runner раз в TickInterval находит due триггеры и создаёт
// runs через orchestrator с ключом идемпотентности "{trigger}_{due}".
//
// Использование:
//
//	runner, err := trigger.New(trigger.Config{
//	    Triggers: cfg.Triggers,
//	    Starter:  orch,
//	    Logger:   logger,
//	})
//	go runner.Run(ctx)
//
// Leader election не нужен: несколько экземпляров создают для одного
// срабатывания один и тот же run.
package trigger
