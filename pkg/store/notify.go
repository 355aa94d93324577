package store

import "github.com/newtron-network/swconf/pkg/util"

// Subscribe registers for change notifications. The returned channel has
// the given buffer; when it is full further notifications for this
// subscriber are dropped, never blocking a commit. Subscribers that need
// the latest state must read Snapshot() rather than rely on every
// notification arriving. cancel unregisters and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) notify(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- n:
		default:
			notificationsDropped.Inc()
			util.WithComponent("store").Warnf("subscriber %d is not keeping up, dropped notification for version %d", id, n.Version)
		}
	}
}
