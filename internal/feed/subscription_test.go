package feed

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionOverflowQueuesSingleResync(t *testing.T) {
	s := newSubscription(nil, 1, Spec{Table: TableMessages}, func(Event) {}, nil, 2)
	for i := 0; i < 5; i++ {
		s.pushEvent(Event{Table: TableMessages, Op: OpInsert})
	}
	s.pushStatus(StatusDisconnected, nil)

	var statuses []Status
	events := 0
	for _, it := range s.queue {
		if it.status == 0 {
			events++
		} else {
			statuses = append(statuses, it.status)
		}
	}
	assert.Equal(t, 2, events)
	assert.Equal(t, []Status{StatusResync, StatusDisconnected}, statuses)
	assert.True(t, s.overflow)
}

func TestSubscriptionStopDiscardsQueue(t *testing.T) {
	s := newSubscription(nil, 1, Spec{Table: TableMessages}, func(Event) {}, nil, 4)
	s.pushEvent(Event{Table: TableMessages, Op: OpInsert})
	s.stop()
	s.pushEvent(Event{Table: TableMessages, Op: OpInsert})
	s.stop()
	assert.Empty(t, s.queue)
}

func TestSubscriptionStopDuringDeliveryDropsRest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	s := newSubscription(nil, 1, Spec{Table: TableMessages}, func(Event) {
		if delivered.Add(1) == 1 {
			close(entered)
			<-release
		}
	}, nil, 8)
	go s.loop()
	for i := 0; i < 3; i++ {
		s.pushEvent(Event{Table: TableMessages, Op: OpInsert})
	}

	<-entered
	s.stop()
	close(release)
	assert.Never(t, func() bool { return delivered.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, s.queue)
}
