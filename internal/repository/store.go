package repository

import "github.com/jackc/pgx/v5/pgxpool"

// Store объединяет репозитории Postgres под набором методов,
// который ждут realtime-компоненты.
type Store struct {
	*RequestRepository
	*MessageRepository
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		RequestRepository: NewRequestRepository(pool),
		MessageRepository: NewMessageRepository(pool),
	}
}
