package api

import (
	"sync"

	"github.com/alias8818/CouncilRouter-sub001/streaming"
)

// notifyingSink wraps a streaming.Sink so a handler's goroutine can select
// on hub-driven closure (a terminal done/error event, or the hub sweeping a
// stale connection) in addition to the request context's own cancellation.
type notifyingSink struct {
	sink   streaming.Sink
	closed chan struct{}
	once   sync.Once
}

func newNotifyingSink(sink streaming.Sink) *notifyingSink {
	return &notifyingSink{
		sink:   sink,
		closed: make(chan struct{}),
	}
}

func (n *notifyingSink) Send(event string, data interface{}) error {
	return n.sink.Send(event, data)
}

func (n *notifyingSink) Close() {
	n.sink.Close()
	n.once.Do(func() { close(n.closed) })
}
