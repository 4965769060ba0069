// Package worker выполняет отдельные попытки стадий.
//
// # Обзор
//
// Executor — stateless обёртка над агентом. Scheduler записывает попытку
// в статусе QUEUED и вызывает Executor.Execute в отдельной горутине:
//
//  1. ClaimTask — CAS QUEUED → RUNNING (только пока run RUNNING и истёк NotBefore)
//  2. Агент по capability из agent.Registry
//  3. Вызов с таймаутом стадии, паника агента — постоянная ошибка
//  4. Классификация ошибки (transient, permanent, timeout, cancelled)
//  5. CompleteTask — CAS по владельцу, в том числе после отмены run
//
// Пример:
//
//	exec := worker.New(worker.Config{
//	    Tasks:  store,
//	    Agents: agent.DefaultRegistry(features),
//	    Logger: logger,
//	})
//	task, err := exec.Execute(ctx, run, taskID, 30*time.Second)
//
// # Вход попытки
//
// Task.Input хранит {"params": ..., "upstream": ...}: отрендеренные параметры
// и объединённые выходы зависимостей. См. TaskInput и SplitTaskInput.
//
// # Retry
//
// Executor не повторяет попытки. Повторы с backoff планирует scheduler,
// записывая новую попытку с NotBefore.
package worker
