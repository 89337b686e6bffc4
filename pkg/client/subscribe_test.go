package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSubscribers(t *testing.T) {
	s := newSubscribers(zap.NewNop())

	var got []string
	unsub := s.subscribe("queue_update", func(data json.RawMessage) {
		got = append(got, string(data))
	})
	s.subscribe("call_patient", func(json.RawMessage) {
		t.Fatal("wrong type dispatched")
	})

	assert.Equal(t, 1, s.publish("queue_update", json.RawMessage(`1`)))
	unsub()
	unsub()
	assert.Equal(t, 0, s.publish("queue_update", json.RawMessage(`2`)))
	assert.Equal(t, []string{"1"}, got)
	assert.Equal(t, 0, s.count("queue_update"))
}

func TestSubscribers_PanicIsContained(t *testing.T) {
	s := newSubscribers(zap.NewNop())
	calls := 0
	s.subscribe("x", func(json.RawMessage) { panic("boom") })
	s.subscribe("x", func(json.RawMessage) { calls++ })

	assert.NotPanics(t, func() { s.publish("x", nil) })
	assert.Equal(t, 1, calls)
}
