package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/Signalflow/internal/domain"
)

// MergeInputs собирает вход стадии из выходов её зависимостей.
//
// upstream — выходы завершённых стадий (stageID → output).
// Для union ключ, пришедший от двух upstream, даёт ErrDependencyMergeConflict:
// такая ошибка не исправляется повтором.
func MergeInputs(rule domain.MergeRule, node *Node, upstream map[string]map[string]any) (map[string]any, error) {
	merged := make(map[string]any)

	if rule == domain.MergeNamespaced {
		for _, dep := range node.DependsOn {
			merged[dep.ID] = upstream[dep.ID]
		}
		return merged, nil
	}

	owner := make(map[string]string)
	for _, dep := range node.DependsOn {
		out := upstream[dep.ID]

		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if prev, ok := owner[k]; ok {
				return nil, fmt.Errorf("%w: key %q produced by both %s and %s",
					ErrDependencyMergeConflict, k, prev, dep.ID)
			}
			owner[k] = dep.ID
			merged[k] = out[k]
		}
	}

	return merged, nil
}
