package scheduler

import "time"

// scheduledRun is one pending cron activation of an entry.
type scheduledRun struct {
	Key     string
	NextRun time.Time
	index   int
}

// runQueue is a min-heap of pending activations ordered by due time.
type runQueue []*scheduledRun

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	return q[i].NextRun.Before(q[j].NextRun)
}

func (q runQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *runQueue) Push(x interface{}) {
	item := x.(*scheduledRun)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *runQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// find returns the index of the activation for key, or -1.
func (q runQueue) find(key string) int {
	for i, item := range q {
		if item.Key == key {
			return i
		}
	}
	return -1
}

// peek returns the earliest activation without removing it.
func (q runQueue) peek() (*scheduledRun, bool) {
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}
