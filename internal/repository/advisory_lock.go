package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker — сессионные advisory lock PostgreSQL. Блокировка держится
// на выделенном соединении пула до вызова release и снимается сервером
// автоматически при обрыве соединения.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLocker создаёт AdvisoryLocker.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// TryLock пытается взять блокировку по ключу без ожидания.
// acquired == false — блокировку держит другой процесс.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (release func(), acquired bool, err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка получения соединения для advisory lock: %w", err)
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("ошибка взятия advisory lock %q: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Контекст вызывающего к этому моменту может быть отменён
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// Соединение с неснятой блокировкой нельзя возвращать в пул
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}
	return release, true, nil
}
