package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rideshare/internal/logger"
)

// PGSource слушает NOTIFY-канал Postgres, который наполняют триггеры строк.
type PGSource struct {
	dsn     string
	channel string
}

func NewPGSource(dsn, channel string) *PGSource {
	return &PGSource{dsn: dsn, channel: channel}
}

func (s *PGSource) Name() string { return "postgres:" + s.channel }

func (s *PGSource) Listen(ctx context.Context, ready func(), deliver func(Event)) error {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := pgx.Connect(connCtx, s.dsn)
	cancel()
	if err != nil {
		return fmt.Errorf("feed.PGSource connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("feed.PGSource listen: %w", err)
	}
	ready()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("feed.PGSource wait: %w", err)
		}
		ev, err := Decode([]byte(n.Payload))
		if err != nil {
			logger.Errorf("feed: skip payload on %s: %v", s.channel, err)
			continue
		}
		deliver(ev)
	}
}
