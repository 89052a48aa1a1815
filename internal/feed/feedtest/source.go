// Package feedtest: feed.Source в памяти процесса для тестов.
package feedtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rideshare/internal/feed"
)

// Source отдаёт события активному вызову Listen.
type Source struct {
	mu       sync.Mutex
	refuse   error
	connects int

	events chan feed.Event
	drop   chan error
}

func New() *Source {
	return &Source{
		events: make(chan feed.Event, 1024),
		drop:   make(chan error, 1),
	}
}

func (s *Source) Name() string { return "feedtest" }

func (s *Source) Listen(ctx context.Context, ready func(), deliver func(feed.Event)) error {
	s.mu.Lock()
	s.connects++
	refuse := s.refuse
	s.mu.Unlock()
	if refuse != nil {
		return refuse
	}
	ready()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.drop:
			return err
		case ev := <-s.events:
			deliver(ev)
		}
	}
}

// Emit ставит событие в очередь активного соединения.
func (s *Source) Emit(ev feed.Event) { s.events <- ev }

// EmitRow собирает и отправляет событие.
func (s *Source) EmitRow(t testing.TB, table string, op feed.Op, newRow, oldRow any) {
	t.Helper()
	ev, err := feed.NewEvent(table, op, newRow, oldRow)
	if err != nil {
		t.Fatalf("feedtest: %v", err)
	}
	s.Emit(ev)
}

// Drop обрывает активное соединение с ошибкой err.
func (s *Source) Drop(err error) {
	if err == nil {
		err = errors.New("feedtest: dropped")
	}
	s.drop <- err
}

// Refuse заставляет следующие попытки соединения падать с err; nil снова их разрешает.
func (s *Source) Refuse(err error) {
	s.mu.Lock()
	s.refuse = err
	s.mu.Unlock()
}

func (s *Source) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Start запускает клиент поверх src до конца теста и ждёт, пока он станет live.
func Start(t testing.TB, src feed.Source, opts feed.Options) *feed.Client {
	t.Helper()
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 5 * time.Millisecond
		opts.MaxBackoff = 20 * time.Millisecond
	}
	c := feed.NewClient(src, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for !c.Live() {
		if time.Now().After(deadline) {
			t.Fatalf("feedtest: client never went live")
		}
		time.Sleep(time.Millisecond)
	}
	return c
}
