// Пакет repository — слой доступа к метаданным.
// Все запросы — чистый SQL без ORM. Один набор запросов обслуживает
// PostgreSQL (pgx) и SQLite (database/sql): плейсхолдеры $N переписываются
// в ?N для SQLite.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mattn/go-sqlite3"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности или параллельное изменение.
	ErrConflict = errors.New("конфликт — запись уже существует или изменена")
	// ErrReference — ссылка на несуществующую запись (внешний ключ).
	ErrReference = errors.New("ссылка на несуществующую запись")
)

// DBTX — интерфейс для выполнения SQL-запросов через pgx.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLDBTX — интерфейс для выполнения SQL-запросов через database/sql.
// Реализуется как *sql.DB, так и *sql.Tx.
type SQLDBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store — набор репозиториев поверх одного хранилища метаданных.
type Store struct {
	Videos  VideoRepository
	Folders FolderRepository
}

// NewPostgresStore создаёт репозитории поверх пула PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	q := pgxQuerier{db: pool}
	tx := &pgxTxRunner{pool: pool}
	return &Store{
		Videos:  &videoRepo{q: q, tx: tx},
		Folders: &folderRepo{q: q, tx: tx},
	}
}

// NewSQLiteStore создаёт репозитории поверх соединения SQLite.
func NewSQLiteStore(db *sql.DB) *Store {
	q := sqlQuerier{db: db}
	tx := &sqlTxRunner{db: db}
	return &Store{
		Videos:  &videoRepo{q: q, tx: tx},
		Folders: &folderRepo{q: q, tx: tx},
	}
}

// --- Абстракция над драйверами ---

type rowScanner interface {
	Scan(dest ...any) error
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier — общий интерфейс запросов для pgx и database/sql.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rowsIter, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
}

// txRunner выполняет fn внутри транзакции.
// При ошибке fn транзакция откатывается, при успехе коммитится.
type txRunner interface {
	runInTx(ctx context.Context, fn func(q querier) error) error
}

type pgxQuerier struct {
	db DBTX
}

func (p pgxQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p pgxQuerier) query(ctx context.Context, query string, args ...any) (rowsIter, error) {
	return p.db.Query(ctx, query, args...)
}

func (p pgxQuerier) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return p.db.QueryRow(ctx, query, args...)
}

type pgxTxRunner struct {
	pool *pgxpool.Pool
}

func (r *pgxTxRunner) runInTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(pgxQuerier{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// placeholderRe находит плейсхолдеры PostgreSQL ($1, $2, ...).
var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rebind переписывает $N в ?N (нумерованные параметры SQLite).
func rebind(query string) string {
	return placeholderRe.ReplaceAllString(query, "?$1")
}

type sqlQuerier struct {
	db SQLDBTX
}

func (s sqlQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s sqlQuerier) query(ctx context.Context, query string, args ...any) (rowsIter, error) {
	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (s sqlQuerier) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, rebind(query), args...)
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	r.Rows.Close()
}

type sqlTxRunner struct {
	db *sql.DB
}

func (r *sqlTxRunner) runInTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // откат после коммита — no-op

	if err := fn(sqlQuerier{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Классификация ошибок драйверов ---

// isNoRows проверяет отсутствие строк в результате.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation проверяет нарушение уникальности.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isForeignKeyViolation проверяет нарушение внешнего ключа.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// classify приводит ошибку записи к ошибкам слоя репозиториев.
func classify(err error, op string) error {
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s", ErrConflict, op)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", ErrReference, op)
	default:
		return fmt.Errorf("ошибка %s: %w", op, err)
	}
}
