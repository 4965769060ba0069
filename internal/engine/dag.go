package engine

import (
	"container/heap"
	"fmt"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Node — узел в DAG.
type Node struct {
	// Stage — определение стадии из PipelineSpec.
	Stage *domain.StageDef

	// ID — идентификатор узла (совпадает с Stage.ID).
	ID string

	// Index — позиция стадии в порядке объявления.
	Index int

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — направленный ациклический граф стадий pipeline.
type DAG struct {
	// Nodes — все узлы графа (stageID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей, в порядке объявления.
	RootNodes []*Node

	// Order — топологический порядок, при равенстве по порядку объявления.
	Order []*Node

	// Terminal — единственная стадия без зависимых, её выход даёт Signal.
	Terminal *Node
}

// BuildDAG строит DAG из PipelineSpec.
func BuildDAG(spec *domain.PipelineSpec) (*DAG, error) {
	dag := &DAG{
		Nodes:     make(map[string]*Node, len(spec.Stages)),
		RootNodes: make([]*Node, 0),
	}

	// Первый проход: создаём все узлы
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		if _, exists := dag.Nodes[stage.ID]; exists {
			return nil, NewValidationError(stage.ID, "id",
				fmt.Sprintf("duplicate stage ID: %s", stage.ID), ErrDuplicateStageID)
		}
		dag.Nodes[stage.ID] = &Node{
			Stage:      stage,
			ID:         stage.ID,
			Index:      i,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
	}

	// Второй проход: связываем узлы по зависимостям
	for i := range spec.Stages {
		if err := dag.linkDependencies(&spec.Stages[i]); err != nil {
			return nil, err
		}
	}

	dag.findRootNodes()

	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	if err := dag.findTerminal(); err != nil {
		return nil, err
	}

	return dag, nil
}

// linkDependencies связывает узлы по зависимостям.
func (d *DAG) linkDependencies(stage *domain.StageDef) error {
	node := d.Nodes[stage.ID]

	for _, depID := range stage.DependsOn {
		if depID == stage.ID {
			return NewValidationError(stage.ID, "depends_on",
				"stage depends on itself", ErrSelfDependency)
		}
		depNode, exists := d.Nodes[depID]
		if !exists {
			return NewValidationError(stage.ID, "depends_on",
				fmt.Sprintf("depends on unknown stage: %s", depID), ErrMissingDependency)
		}
		d.addEdge(depNode, node)
	}

	return nil
}

// addEdge добавляет ребро между узлами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.byIndex() {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// findTerminal находит единственную стадию без зависимых.
func (d *DAG) findTerminal() error {
	var sinks []*Node
	for _, node := range d.Order {
		if len(node.Dependents) == 0 {
			sinks = append(sinks, node)
		}
	}
	if len(sinks) != 1 {
		ids := make([]string, len(sinks))
		for i, n := range sinks {
			ids[i] = n.ID
		}
		return NewValidationError("", "stages",
			fmt.Sprintf("expected one terminal stage, got %v", ids), ErrMultipleTerminalStages)
	}
	d.Terminal = sinks[0]
	return nil
}

// byIndex возвращает узлы в порядке объявления.
func (d *DAG) byIndex() []*Node {
	nodes := make([]*Node, len(d.Nodes))
	for _, node := range d.Nodes {
		nodes[node.Index] = node
	}
	return nodes
}

// nodeQueue — очередь узлов с приоритетом по порядку объявления.
type nodeQueue []*Node

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].Index < q[j].Index }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(*Node)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Среди готовых узлов первым берётся объявленный раньше.
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make(nodeQueue, len(d.RootNodes))
	copy(queue, d.RootNodes)
	heap.Init(&queue)

	order := make([]*Node, 0, len(d.Nodes))

	for queue.Len() > 0 {
		node := heap.Pop(&queue).(*Node)
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				heap.Push(&queue, dependent)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// GetReadyNodes возвращает узлы, готовые к выполнению, в порядке объявления.
//
// Узел готов, если:
// - Все его зависимости завершены (в completed)
// - Сам узел ещё не завершён и не занят (не в completed и не в busy)
//
// busy — стадии с нетерминальной попыткой или ожидающие повтора.
func (d *DAG) GetReadyNodes(completed, busy map[string]bool) []*Node {
	ready := make([]*Node, 0)

	for _, node := range d.byIndex() {
		if completed[node.ID] || busy[node.ID] {
			continue
		}

		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !completed[dep.ID] {
				allDepsCompleted = false
				break
			}
		}

		if allDepsCompleted {
			ready = append(ready, node)
		}
	}

	return ready
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// IsComplete проверяет, все ли узлы завершены.
func (d *DAG) IsComplete(completed map[string]bool) bool {
	for _, node := range d.Nodes {
		if !completed[node.ID] {
			return false
		}
	}
	return true
}
