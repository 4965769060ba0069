// Package engine содержит статическую часть pipeline.
//
// Включает:
//   - parser.go   — парсинг и валидация PipelineSpec (YAML/JSON)
//   - dag.go      — построение и обход DAG стадий
//   - merge.go    — объединение выходов upstream-стадий
//   - template.go — рендеринг параметров стадий ({{ .Inputs.x }})
//   - catalog.go  — каталог pipelines из директории с hot reload
//
// Engine отвечает за понимание структуры pipeline и определение
// порядка выполнения стадий; состояние выполнения живёт в scheduler.
package engine
