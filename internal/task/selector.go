package task

// SelectNext picks the first pending task in store order, plus the task
// immediately following it in that same filtered order. Insertion order
// is the priority order; there is no reordering. The upcoming task is
// only used to know where to continue after a forced abort.
func SelectNext(tasks []Task) (current, upcoming *Task) {
	for i := range tasks {
		if tasks[i].Terminal() {
			continue
		}
		if current == nil {
			current = &tasks[i]
			continue
		}
		upcoming = &tasks[i]
		break
	}
	return current, upcoming
}

// CountByState tallies the queue for progress reporting.
func CountByState(tasks []Task) (pending, done, failed int) {
	for i := range tasks {
		switch tasks[i].Status {
		case StatusSucceeded:
			done++
		case StatusFailed:
			failed++
		default:
			pending++
		}
	}
	return pending, done, failed
}
