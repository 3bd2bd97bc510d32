// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrLogFinalized — запись журнала синхронизации уже в терминальном статусе.
	ErrLogFinalized = errors.New("запись журнала синхронизации уже завершена")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store — репозитории локальных сущностей поверх одного подключения
// (пула или транзакции).
type Store struct {
	StudyPrograms StudyProgramRepository
	Students      StudentRepository
	Lecturers     LecturerRepository
	Courses       CourseRepository
	Users         UserRepository
}

// NewStore создаёт набор репозиториев поверх db.
func NewStore(db DBTX) *Store {
	return &Store{
		StudyPrograms: NewStudyProgramRepository(db),
		Students:      NewStudentRepository(db),
		Lecturers:     NewLecturerRepository(db),
		Courses:       NewCourseRepository(db),
		Users:         NewUserRepository(db),
	}
}

// Transactor выполняет fn в транзакции с репозиториями, привязанными к ней.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(s *Store) error) error
}

// TxRunner — Transactor поверх pgxpool.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(s *Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(NewStore(tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// scanOne преобразует pgx.ErrNoRows в ErrNotFound.
func scanOne(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("ошибка получения %s: %w", what, err)
}
