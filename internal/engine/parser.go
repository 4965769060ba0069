package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Допустимые capability стадий.
var validCapabilities = func() map[domain.Capability]bool {
	m := make(map[domain.Capability]bool)
	for _, c := range domain.Capabilities() {
		m[c] = true
	}
	return m
}()

// ParsePipeline парсит PipelineSpec из YAML и валидирует его.
func ParsePipeline(data []byte) (*domain.PipelineSpec, error) {
	var spec domain.PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParsePipelineJSON парсит PipelineSpec из JSON и валидирует его.
func ParsePipelineJSON(data []byte) (*domain.PipelineSpec, error) {
	var spec domain.PipelineSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline json: %w", err)
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate выполняет полную валидацию PipelineSpec.
//
// Проверяет:
// - Наличие стадий
// - Уникальность ID и известность capability
// - Валидность зависимостей и отсутствие циклов (делегируется DAG)
// - Политики повторов
// - Конфликты объявленных outputs при merge union
//
// Ошибки конфигурации обнаруживаются здесь, до создания первой задачи.
func Validate(spec *domain.PipelineSpec) error {
	if spec == nil || len(spec.Stages) == 0 {
		return ErrEmptyStages
	}

	switch spec.EffectiveMerge() {
	case domain.MergeUnion, domain.MergeNamespaced:
	default:
		return NewValidationError("", "merge",
			fmt.Sprintf("unknown merge rule: %s", spec.Merge), ErrInvalidMergeRule)
	}

	stageIDs := make(map[string]bool)
	for i := range spec.Stages {
		if err := ValidateStage(&spec.Stages[i], stageIDs); err != nil {
			return err
		}
	}

	if spec.Defaults != nil && spec.Defaults.Retry != nil {
		if err := validateRetry("", spec.Defaults.Retry); err != nil {
			return err
		}
	}

	dag, err := BuildDAG(spec)
	if err != nil {
		return err
	}

	if spec.EffectiveMerge() == domain.MergeUnion {
		if err := validateMerge(dag); err != nil {
			return err
		}
	}

	return nil
}

// ValidateStage валидирует одну стадию.
// stageIDs — уже встреченные ID стадий (для проверки уникальности).
func ValidateStage(stage *domain.StageDef, stageIDs map[string]bool) error {
	if strings.TrimSpace(stage.ID) == "" {
		return NewValidationError("", "id", "stage has empty ID", ErrEmptyStageID)
	}

	if stageIDs[stage.ID] {
		return NewValidationError(stage.ID, "id",
			fmt.Sprintf("duplicate stage ID: %s", stage.ID), ErrDuplicateStageID)
	}
	stageIDs[stage.ID] = true

	if !validCapabilities[stage.Capability] {
		return NewValidationError(stage.ID, "capability",
			fmt.Sprintf("unknown capability: %q", stage.Capability), ErrUnknownCapability)
	}

	for _, dep := range stage.DependsOn {
		if dep == stage.ID {
			return NewValidationError(stage.ID, "depends_on",
				"stage depends on itself", ErrSelfDependency)
		}
	}

	if stage.Retry != nil {
		if err := validateRetry(stage.ID, stage.Retry); err != nil {
			return err
		}
	}

	if stage.TimeoutSec < 0 {
		return NewValidationError(stage.ID, "timeout_sec",
			"timeout must not be negative", ErrInvalidRetryPolicy)
	}

	return nil
}

// validateRetry проверяет политику повторов.
func validateRetry(stageID string, p *domain.RetryPolicy) error {
	switch p.Backoff {
	case "", "fixed", "exponential":
	default:
		return NewValidationError(stageID, "retry.backoff",
			fmt.Sprintf("unknown backoff: %s", p.Backoff), ErrInvalidRetryPolicy)
	}
	if p.MaxAttempts < 0 || p.InitialDelayMs < 0 || p.MaxDelayMs < 0 {
		return NewValidationError(stageID, "retry",
			"retry values must not be negative", ErrInvalidRetryPolicy)
	}
	if p.MaxDelayMs > 0 && p.InitialDelayMs > p.MaxDelayMs {
		return NewValidationError(stageID, "retry",
			"initial_delay_ms exceeds max_delay_ms", ErrInvalidRetryPolicy)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return NewValidationError(stageID, "retry.jitter",
			"jitter must be within [0, 1]", ErrInvalidRetryPolicy)
	}
	return nil
}

// validateMerge ищет пересечение объявленных outputs у upstream одной стадии.
func validateMerge(dag *DAG) error {
	for _, node := range dag.Order {
		if len(node.DependsOn) < 2 {
			continue
		}
		owner := make(map[string]string)
		for _, dep := range node.DependsOn {
			for _, key := range dep.Stage.Outputs {
				if prev, ok := owner[key]; ok {
					return NewValidationError(node.ID, "depends_on",
						fmt.Sprintf("output %q declared by both %s and %s", key, prev, dep.ID),
						ErrDependencyMergeConflict)
				}
				owner[key] = dep.ID
			}
		}
	}
	return nil
}

// IsValidCapability проверяет, является ли capability допустимой.
func IsValidCapability(c domain.Capability) bool {
	return validCapabilities[c]
}
