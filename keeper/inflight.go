package keeper

import (
	"sync"

	"position-keeper-go/ledger"
)

// inflightSet 每仓位在途提交标记。提交加确认等待的全程持有，
// 保证同一仓位绝不会有两笔提交竞跑。
type inflightSet struct {
	mu  sync.Mutex
	ids map[ledger.PositionID]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[ledger.PositionID]struct{})}
}

// tryAcquire 返回 false 表示该仓位已有在途提交。
func (s *inflightSet) tryAcquire(id ledger.PositionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id ledger.PositionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *inflightSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
