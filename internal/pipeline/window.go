package pipeline

import "github.com/esquire-media/audience-engine/internal/durable"

// windowedTaskAll starts at most window tasks at a time, awaiting each full
// window before opening the next. Results decode into out[i] in input order,
// and the first failure aborts the barrier. This is the only fan-out
// primitive the orchestrators use, so no step ever starts an unbounded number
// of concurrent tasks.
func windowedTaskAll[T any](n, window int, start func(i int) *durable.Task) ([]T, error) {
	if window <= 0 {
		window = 1
	}

	out := make([]T, n)
	for lo := 0; lo < n; lo += window {
		hi := lo + window
		if hi > n {
			hi = n
		}

		tasks := make([]*durable.Task, 0, hi-lo)
		for i := lo; i < hi; i++ {
			tasks = append(tasks, start(i))
		}
		for i, t := range tasks {
			if err := t.Await(&out[lo+i]); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
