package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Signalflow/internal/domain"
)

func mergeDAG(t *testing.T) *DAG {
	t.Helper()
	dag, err := BuildDAG(&domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("prices"),
			stage("news"),
			stage("model", "prices", "news"),
		},
	})
	if err != nil {
		t.Fatalf("build dag: %v", err)
	}
	return dag
}

func TestMergeInputs_Union(t *testing.T) {
	dag := mergeDAG(t)
	upstream := map[string]map[string]any{
		"prices": {"mid": 0.42},
		"news":   {"sentiment": "positive"},
	}

	merged, err := MergeInputs(domain.MergeUnion, dag.GetNode("model"), upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged["mid"] != 0.42 || merged["sentiment"] != "positive" {
		t.Errorf("unexpected merge result: %v", merged)
	}
}

func TestMergeInputs_UnionConflict(t *testing.T) {
	dag := mergeDAG(t)
	upstream := map[string]map[string]any{
		"prices": {"score": 1},
		"news":   {"score": 2},
	}

	_, err := MergeInputs(domain.MergeUnion, dag.GetNode("model"), upstream)
	if !errors.Is(err, ErrDependencyMergeConflict) {
		t.Errorf("expected ErrDependencyMergeConflict, got %v", err)
	}
}

func TestMergeInputs_Namespaced(t *testing.T) {
	dag := mergeDAG(t)
	upstream := map[string]map[string]any{
		"prices": {"score": 1},
		"news":   {"score": 2},
	}

	merged, err := MergeInputs(domain.MergeNamespaced, dag.GetNode("model"), upstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	news, ok := merged["news"].(map[string]any)
	if !ok || news["score"] != 2 {
		t.Errorf("unexpected namespaced result: %v", merged)
	}
}

func TestMergeInputs_Root(t *testing.T) {
	dag := mergeDAG(t)

	merged, err := MergeInputs(domain.MergeUnion, dag.GetNode("prices"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merged) != 0 {
		t.Errorf("expected empty input for root stage, got %v", merged)
	}
}
