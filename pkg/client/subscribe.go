package client

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the data of a notification
type Handler func(data json.RawMessage)

// subscribers is a publish/subscribe table keyed by message type
type subscribers struct {
	logger *zap.Logger

	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]Handler
}

func newSubscribers(logger *zap.Logger) *subscribers {
	return &subscribers{
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
	}
}

func (s *subscribers) subscribe(msgType string, fn Handler) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	if s.handlers[msgType] == nil {
		s.handlers[msgType] = make(map[uint64]Handler)
	}
	s.handlers[msgType][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers[msgType], id)
			if len(s.handlers[msgType]) == 0 {
				delete(s.handlers, msgType)
			}
		})
	}
}

// publish calls every handler of msgType and returns how many there were
func (s *subscribers) publish(msgType string, data json.RawMessage) int {
	s.mu.RLock()
	fns := make([]Handler, 0, len(s.handlers[msgType]))
	for _, fn := range s.handlers[msgType] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.call(msgType, fn, data)
	}
	return len(fns)
}

func (s *subscribers) call(msgType string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", zap.String("type", msgType), zap.Any("panic", r))
		}
	}()
	fn(data)
}

func (s *subscribers) count(msgType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[msgType])
}
