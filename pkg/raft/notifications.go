package raft

import "sync"

type ApplyFunc func(LogEntry) error

type LeaderChangedFunc func(LeaderChangedEvent)

type notification struct {
	entry         *LogEntry
	leaderChanged *LeaderChangedEvent
}

// notificationQueue is an unbounded FIFO between the main goroutine, which
// must never block on application code, and the notification goroutine.
type notificationQueue struct {
	queue  []notification
	signal chan struct{}
	mu     sync.Mutex
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{
		signal: make(chan struct{}, 1),
	}
}

func (q *notificationQueue) push(n notification) {
	q.mu.Lock()
	q.queue = append(q.queue, n)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *notificationQueue) drain() []notification {
	q.mu.Lock()
	queue := q.queue
	q.queue = nil
	q.mu.Unlock()

	return queue
}

func (s *Server) notificationLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return

		case <-s.notifications.signal:
			for _, n := range s.notifications.drain() {
				s.deliverNotification(n)
			}
		}
	}
}

func (s *Server) deliverNotification(n notification) {
	switch {
	case n.entry != nil:
		if s.Cfg.ApplyFunc == nil {
			return
		}

		var err error

		perr := CallRecovered(s.Log, "apply", func() {
			err = s.Cfg.ApplyFunc(*n.entry)
		})
		if perr != nil {
			err = perr
		}

		if err != nil {
			s.Log.Error("cannot apply log entry %d: %v", n.entry.Index, err)
		}

	case n.leaderChanged != nil:
		if s.Cfg.LeaderChangedFunc == nil {
			return
		}

		CallRecovered(s.Log, "leader change notification", func() {
			s.Cfg.LeaderChangedFunc(*n.leaderChanged)
		})
	}
}
