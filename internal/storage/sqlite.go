package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/service"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db           *sql.DB
	feed         *changeFeed
	expenseCache map[string]*cacheEntry
	now          func() time.Time
	dbPath       string
	cacheMutex   sync.RWMutex
}

// cacheEntry is a materialized expense. A faulted entry was changed by a
// committed session and must be refreshed before it is read again.
type cacheEntry struct {
	expense *model.Expense
	faulted bool
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One logical writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:           db,
		dbPath:       dbPath,
		feed:         newChangeFeed(),
		expenseCache: make(map[string]*cacheEntry),
		now:          time.Now,
	}, nil
}

// Close closes the database connection and every change feed subscription.
func (s *SQLiteStorage) Close() error {
	s.feed.close()
	return s.db.Close()
}

// Subscribe returns a feed of committed sessions.
func (s *SQLiteStorage) Subscribe(buffer int) (<-chan service.SavedEvent, func()) {
	return s.feed.subscribe(buffer)
}

// BeginSession starts a new database transaction.
func (s *SQLiteStorage) BeginSession(ctx context.Context) (service.Session, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("begin session", err)
	}

	return &sqliteSession{
		tx:      tx,
		storage: s,
		written: make(map[string]bool),
	}, nil
}

func (s *SQLiteStorage) cacheLookup(id string) (*model.Expense, bool, bool) {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	entry, ok := s.expenseCache[id]
	if !ok {
		return nil, false, false
	}
	if entry.faulted {
		return nil, true, true
	}
	clone := entry.expense.Clone()
	return &clone, false, true
}

func (s *SQLiteStorage) cacheStore(expense *model.Expense) {
	if expense == nil || expense.Fault != nil {
		return
	}
	clone := expense.Clone()
	s.cacheMutex.Lock()
	s.expenseCache[expense.ID] = &cacheEntry{expense: &clone}
	s.cacheMutex.Unlock()
}

func (s *SQLiteStorage) cacheDrop(id string) {
	s.cacheMutex.Lock()
	delete(s.expenseCache, id)
	s.cacheMutex.Unlock()
}

// invalidate faults every cached expense touched by a committed session.
func (s *SQLiteStorage) invalidate(event service.SavedEvent) {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	for _, id := range event.ExpenseIDs {
		if entry, ok := s.expenseCache[id]; ok {
			entry.faulted = true
		}
	}
	for _, id := range event.DeletedExpenses {
		delete(s.expenseCache, id)
	}
}

// sqliteSession wraps sql.Tx to implement service.Session.
type sqliteSession struct {
	tx      *sql.Tx
	storage *SQLiteStorage
	written map[string]bool
	event   service.SavedEvent
	done    bool
}

func (t *sqliteSession) Commit() error {
	if t.done {
		return fmt.Errorf("session already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return mapError("commit", err)
	}

	if t.event.Empty() {
		return nil
	}
	t.event.At = t.storage.now()
	t.storage.invalidate(t.event)
	t.storage.feed.publish(t.event)
	return nil
}

func (t *sqliteSession) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapError("rollback", err)
	}
	return nil
}

func (t *sqliteSession) FetchExpenses(ctx context.Context, query service.ExpenseQuery) ([]model.Expense, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.fetchExpensesTx(ctx, t.tx, query)
}

func (t *sqliteSession) GetExpense(ctx context.Context, id string) (*model.Expense, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	if !t.written[id] {
		expense, faulted, ok := t.storage.cacheLookup(id)
		if faulted {
			return nil, fmt.Errorf("expense %s: %w", id, common.ErrFaulted)
		}
		if ok {
			return expense, nil
		}
	}

	expense, err := t.storage.getExpenseTx(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if !t.written[id] {
		t.storage.cacheStore(expense)
	}
	return expense, nil
}

// Refresh drops the cached copy of an expense and re-reads it in this session.
func (t *sqliteSession) Refresh(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	t.storage.cacheDrop(id)
	expense, err := t.storage.getExpenseTx(ctx, t.tx, id)
	if err != nil {
		return err
	}
	if !t.written[id] {
		t.storage.cacheStore(expense)
	}
	slog.Debug("refreshed expense", "id", id)
	return nil
}

func (t *sqliteSession) SaveExpense(ctx context.Context, expense *model.Expense) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateExpenseRecord(expense); err != nil {
		return err
	}
	if err := t.storage.saveExpenseTx(ctx, t.tx, expense); err != nil {
		return err
	}
	t.written[expense.ID] = true
	t.event.ExpenseIDs = appendUnique(t.event.ExpenseIDs, expense.ID)
	return nil
}

func (t *sqliteSession) DeleteExpense(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	if err := t.storage.deleteExpenseTx(ctx, t.tx, id); err != nil {
		return err
	}
	t.written[id] = true
	t.event.DeletedExpenses = appendUnique(t.event.DeletedExpenses, id)
	return nil
}

func (t *sqliteSession) FetchTemplates(ctx context.Context, query service.TemplateQuery) ([]model.RecurringTemplate, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.fetchTemplatesTx(ctx, t.tx, query)
}

func (t *sqliteSession) GetTemplate(ctx context.Context, id string) (*model.RecurringTemplate, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getTemplateTx(ctx, t.tx, id)
}

func (t *sqliteSession) SaveTemplate(ctx context.Context, template *model.RecurringTemplate) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTemplateRecord(template); err != nil {
		return err
	}
	if err := t.storage.saveTemplateTx(ctx, t.tx, template); err != nil {
		return err
	}
	t.event.TemplateIDs = appendUnique(t.event.TemplateIDs, template.ID)
	return nil
}

func (t *sqliteSession) DeleteTemplate(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	detached, err := t.storage.deleteTemplateTx(ctx, t.tx, id)
	if err != nil {
		return err
	}
	for _, expenseID := range detached {
		t.event.ExpenseIDs = appendUnique(t.event.ExpenseIDs, expenseID)
	}
	t.event.DeletedTemplates = appendUnique(t.event.DeletedTemplates, id)
	return nil
}

func (t *sqliteSession) GetCategories(ctx context.Context) ([]model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getCategoriesTx(ctx, t.tx)
}

func (t *sqliteSession) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getCategoryTx(ctx, t.tx, "id", id)
}

func (t *sqliteSession) GetCategoryByName(ctx context.Context, name string) (*model.Category, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "name"); err != nil {
		return nil, err
	}
	return t.storage.getCategoryTx(ctx, t.tx, "name", name)
}

func (t *sqliteSession) SaveCategory(ctx context.Context, category *model.Category) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if category == nil {
		return fmt.Errorf("%w: category", ErrNilParameter)
	}
	if err := validateString(category.Name, "category name"); err != nil {
		return err
	}
	return t.storage.saveCategoryTx(ctx, t.tx, category)
}

func (t *sqliteSession) DeleteCategory(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}
	affected, err := t.storage.deleteCategoryTx(ctx, t.tx, id)
	if err != nil {
		return err
	}
	for _, expenseID := range affected {
		t.event.ExpenseIDs = appendUnique(t.event.ExpenseIDs, expenseID)
	}
	return nil
}

func (t *sqliteSession) GetTags(ctx context.Context) ([]model.Tag, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getTagsTx(ctx, t.tx)
}

func (t *sqliteSession) EnsureTag(ctx context.Context, name string) (*model.Tag, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "tag name"); err != nil {
		return nil, err
	}
	return t.storage.ensureTagTx(ctx, t.tx, name)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// mapError translates driver errors into the application error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return common.NewPersistenceError(op, fmt.Errorf("%w: %v", common.ErrBusy, err))
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return common.NewConflict(fmt.Sprintf("%s violates a uniqueness constraint", op))
		case sqliteErr.Code == sqlite3.ErrCorrupt:
			return &common.CorruptionError{ID: op, Details: err.Error()}
		}
	}
	return common.NewPersistenceError(op, err)
}
