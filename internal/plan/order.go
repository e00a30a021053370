package plan

import "taskplanner/internal/domain"

// Order returns every task ID of the batch exactly once, with each task after
// the tasks it depends on. Ready tasks are taken first-in first-out, seeded in
// batch order. Tasks that never become ready (cycles, self references) are
// appended afterwards in batch order.
func Order(tasks []domain.Task) []string {
	index := make(map[string]int, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := index[t.ID]; dup {
			continue
		}
		index[t.ID] = len(ids)
		ids = append(ids, t.ID)
	}

	indeg := make([]int, len(ids))
	dependents := make([][]int, len(ids))
	seen := make(map[[2]int]struct{})
	for _, t := range tasks {
		to := index[t.ID]
		for _, dep := range t.DependsOn {
			from, ok := index[dep]
			if !ok {
				continue
			}
			edge := [2]int{from, to}
			if _, dup := seen[edge]; dup {
				continue
			}
			seen[edge] = struct{}{}
			dependents[from] = append(dependents[from], to)
			indeg[to]++
		}
	}

	queue := make([]int, 0, len(ids))
	for i := range ids {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	placed := make([]bool, len(ids))
	out := make([]string, 0, len(ids))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		placed[n] = true
		out = append(out, ids[n])
		for _, v := range dependents[n] {
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	for i, id := range ids {
		if !placed[i] {
			out = append(out, id)
		}
	}
	return out
}
