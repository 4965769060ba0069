package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shaiso/Signalflow/internal/domain"
)

func stage(id string, deps ...string) domain.StageDef {
	return domain.StageDef{ID: id, Capability: domain.CapabilityDataCleaning, DependsOn: deps}
}

func TestBuildDAG_SimpleChain(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("clean"),
			stage("features", "clean"),
			stage("signal", "features"),
		},
	}

	dag, err := BuildDAG(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dag.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", dag.Size())
	}

	if len(dag.RootNodes) != 1 || dag.RootNodes[0].ID != "clean" {
		t.Errorf("expected single root clean, got %v", dag.RootNodes)
	}

	if dag.Terminal == nil || dag.Terminal.ID != "signal" {
		t.Errorf("expected terminal stage signal, got %v", dag.Terminal)
	}

	nodeF := dag.GetNode("features")
	if len(nodeF.DependsOn) != 1 || nodeF.DependsOn[0].ID != "clean" {
		t.Error("features should depend on clean")
	}
}

func TestBuildDAG_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("A"),
			stage("B", "A"),
			stage("C", "A"),
			stage("D", "B", "C"),
		},
	}

	dag, err := BuildDAG(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dag.GetNode("A").InDegree != 0 {
		t.Error("A should have inDegree 0")
	}
	if dag.GetNode("D").InDegree != 2 {
		t.Error("D should have inDegree 2")
	}

	// При равенстве побеждает порядок объявления
	want := []string{"A", "B", "C", "D"}
	for i, node := range dag.Order {
		if node.ID != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, node.ID, want[i])
		}
	}
}

func TestBuildDAG_DeclarationOrderTieBreak(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("z"),
			stage("a"),
			stage("m"),
			stage("end", "a", "m", "z"),
		},
	}

	dag, err := BuildDAG(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready := dag.GetReadyNodes(nil, nil)
	got := make([]string, len(ready))
	for i, n := range ready {
		got[i] = n.ID
	}
	if fmt.Sprint(got) != "[z a m]" {
		t.Errorf("expected ready in declaration order [z a m], got %v", got)
	}
}

func TestBuildDAG_CyclicDependency(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("A", "C"),
			stage("B", "A"),
			stage("C", "B"),
		},
	}

	_, err := BuildDAG(spec)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestBuildDAG_MultipleTerminals(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("A"),
			stage("B", "A"),
			stage("C", "A"),
		},
	}

	_, err := BuildDAG(spec)
	if !errors.Is(err, ErrMultipleTerminalStages) {
		t.Errorf("expected ErrMultipleTerminalStages, got %v", err)
	}
}

func TestBuildDAG_MissingDependency(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("A", "ghost"),
		},
	}

	_, err := BuildDAG(spec)
	if !errors.Is(err, ErrMissingDependency) {
		t.Errorf("expected ErrMissingDependency, got %v", err)
	}

	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.StageID != "A" {
		t.Errorf("expected ValidationError for stage A, got %v", err)
	}
}

func TestGetReadyNodes(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			stage("A"),
			stage("B"),
			stage("C", "A"),
			stage("D", "B", "C"),
		},
	}

	dag, err := BuildDAG(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Изначально готовы A и B (без зависимостей)
	ready := dag.GetReadyNodes(nil, nil)
	if len(ready) != 2 || ready[0].ID != "A" || ready[1].ID != "B" {
		t.Fatalf("expected [A B], got %v", ready)
	}

	// A выполняется — готов только B
	ready = dag.GetReadyNodes(nil, map[string]bool{"A": true})
	if len(ready) != 1 || ready[0].ID != "B" {
		t.Errorf("expected [B], got %v", ready)
	}

	// A завершён — готовы B и C
	ready = dag.GetReadyNodes(map[string]bool{"A": true}, nil)
	if len(ready) != 2 || ready[0].ID != "B" || ready[1].ID != "C" {
		t.Errorf("expected [B C], got %v", ready)
	}

	// Все кроме D завершены — готов D
	completed := map[string]bool{"A": true, "B": true, "C": true}
	ready = dag.GetReadyNodes(completed, nil)
	if len(ready) != 1 || ready[0].ID != "D" {
		t.Errorf("expected [D], got %v", ready)
	}

	completed["D"] = true
	if !dag.IsComplete(completed) {
		t.Error("expected DAG to be complete")
	}
}

// Случайные DAG: ни одна стадия не становится готовой раньше своих зависимостей.
func TestGetReadyNodes_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(12)
		spec := &domain.PipelineSpec{}

		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			spec.Stages = append(spec.Stages, stage(fmt.Sprintf("s%d", i), deps...))
		}

		// Замыкаем все стоки на одну терминальную стадию
		hasDependents := make(map[string]bool)
		for _, s := range spec.Stages {
			for _, d := range s.DependsOn {
				hasDependents[d] = true
			}
		}
		var sinks []string
		for _, s := range spec.Stages {
			if !hasDependents[s.ID] {
				sinks = append(sinks, s.ID)
			}
		}
		spec.Stages = append(spec.Stages, stage("terminal", sinks...))

		dag, err := BuildDAG(spec)
		if err != nil {
			t.Fatalf("iter %d: unexpected error: %v", iter, err)
		}

		completed := make(map[string]bool)
		for steps := 0; !dag.IsComplete(completed); steps++ {
			if steps > len(spec.Stages) {
				t.Fatalf("iter %d: no progress", iter)
			}
			ready := dag.GetReadyNodes(completed, nil)
			if len(ready) == 0 {
				t.Fatalf("iter %d: nothing ready but DAG incomplete", iter)
			}

			// Завершаем случайную готовую стадию
			node := ready[rng.Intn(len(ready))]
			for _, dep := range node.DependsOn {
				if !completed[dep.ID] {
					t.Fatalf("iter %d: %s ready before dependency %s", iter, node.ID, dep.ID)
				}
			}
			completed[node.ID] = true
		}

		// Топологический порядок согласован с рёбрами
		pos := make(map[string]int)
		for i, node := range dag.Order {
			pos[node.ID] = i
		}
		for _, node := range dag.Order {
			for _, dep := range node.DependsOn {
				if pos[dep.ID] >= pos[node.ID] {
					t.Fatalf("iter %d: %s ordered before its dependency %s", iter, node.ID, dep.ID)
				}
			}
		}
	}
}
