package job

const minQueueCap = 8

// Queue is an owning FIFO ring buffer of jobs.
//
// It is not safe for concurrent use; callers guard it with their own lock.
type Queue struct {
	buf  []*Job
	head int
	n    int
}

func (q *Queue) Len() int { return q.n }

func (q *Queue) Push(j *Job) {
	if j == nil {
		return
	}
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = j
	q.n++
}

// PushAll appends batch in order.
func (q *Queue) PushAll(batch []*Job) {
	for _, j := range batch {
		q.Push(j)
	}
}

func (q *Queue) Pop() (*Job, bool) {
	if q.n == 0 {
		return nil, false
	}
	j := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	if q.n == 0 {
		q.head = 0
	}
	return j, true
}

// Drain removes every job and returns them in FIFO order.
// When the ring is not wrapped the backing array is handed over without copying.
func (q *Queue) Drain() []*Job {
	if q.n == 0 {
		return nil
	}
	var out []*Job
	if q.head+q.n <= len(q.buf) {
		out = q.buf[q.head : q.head+q.n : q.head+q.n]
		q.buf = nil
	} else {
		out = make([]*Job, 0, q.n)
		q.Each(func(j *Job) bool {
			out = append(out, j)
			return true
		})
		clear(q.buf)
	}
	q.head, q.n = 0, 0
	return out
}

// Each calls fn for queued jobs in FIFO order until fn returns false.
func (q *Queue) Each(fn func(j *Job) bool) {
	for i := 0; i < q.n; i++ {
		if !fn(q.buf[(q.head+i)%len(q.buf)]) {
			return
		}
	}
}

func (q *Queue) grow() {
	c := len(q.buf) * 2
	if c < minQueueCap {
		c = minQueueCap
	}
	nb := make([]*Job, c)
	for i := 0; i < q.n; i++ {
		nb[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = nb
	q.head = 0
}
