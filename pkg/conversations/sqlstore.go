package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	// Registered database/sql drivers for the supported dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// SQLStore persists conversations through database/sql. Appends to one
// conversation are serialized by an in-process per-conversation lock; ids
// are allocated from a per-conversation sequence so they stay monotonic
// and stable across deletes.
type SQLStore struct {
	db       *sql.DB
	dialect  string
	checkout time.Duration

	mu    sync.Mutex
	locks map[Scope]*sync.Mutex
}

func NewSQLStore(cfg *config.StorageConfig) (*SQLStore, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)

	s := &SQLStore{
		db:       db,
		dialect:  cfg.Driver,
		checkout: cfg.CheckoutTimeout,
		locks:    make(map[Scope]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolean := "INTEGER"
	switch s.dialect {
	case "postgres":
		serial = "BIGSERIAL PRIMARY KEY"
		boolean = "BOOLEAN"
	case "mysql":
		serial = "BIGINT PRIMARY KEY AUTO_INCREMENT"
		boolean = "BOOLEAN"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id %s,
			tenant VARCHAR(255) NOT NULL,
			agent VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			next_seq BIGINT NOT NULL DEFAULT 1,
			UNIQUE (tenant, agent, name)
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS interactions (
			conversation_id BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			role VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			is_error %s NOT NULL DEFAULT %s,
			is_partial %s NOT NULL DEFAULT %s,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`, boolean, s.falseLiteral(), boolean, s.falseLiteral()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) falseLiteral() string {
	if s.dialect == "sqlite" {
		return "0"
	}
	return "FALSE"
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) lock(scope Scope) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[scope]
	if !ok {
		l = &sync.Mutex{}
		s.locks[scope] = l
	}
	return l
}

func (s *SQLStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.checkout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.checkout)
}

func (s *SQLStore) conversationID(ctx context.Context, tx *sql.Tx, scope Scope, create bool) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT id FROM conversations WHERE tenant = ? AND agent = ? AND name = ?`),
		scope.Tenant, scope.Agent, scope.Conversation).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if !create {
			return 0, ErrNotFound
		}
		return s.createConversation(ctx, tx, scope)
	}
	return id, err
}

func (s *SQLStore) createConversation(ctx context.Context, tx *sql.Tx, scope Scope) (int64, error) {
	if s.dialect == "postgres" {
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO conversations (tenant, agent, name) VALUES ($1, $2, $3) RETURNING id`,
			scope.Tenant, scope.Agent, scope.Conversation).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (tenant, agent, name) VALUES (?, ?, ?)`,
		scope.Tenant, scope.Agent, scope.Conversation)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) Append(ctx context.Context, scope Scope, in Interaction) (int64, error) {
	l := s.lock(scope)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	convID, err := s.conversationID(ctx, tx, scope, true)
	if err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT next_seq FROM conversations WHERE id = ?`), convID).Scan(&seq); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE conversations SET next_seq = next_seq + 1 WHERE id = ?`), convID); err != nil {
		return 0, err
	}

	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO interactions (conversation_id, seq, role, message, is_error, is_partial, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		convID, seq, in.Role, in.Message, in.Error, in.Partial, in.Timestamp.UTC()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLStore) resolve(ctx context.Context, scope Scope) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id FROM conversations WHERE tenant = ? AND agent = ? AND name = ?`),
		scope.Tenant, scope.Agent, scope.Conversation).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (s *SQLStore) List(ctx context.Context, scope Scope, page Page) ([]Interaction, int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	convID, err := s.resolve(ctx, scope)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM interactions WHERE conversation_id = ?`), convID).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "ASC"
	if page.NewestFirst {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT seq, role, message, is_error, is_partial, created_at
		FROM interactions WHERE conversation_id = ? ORDER BY seq %s`, order)

	args := []any{convID}
	if page.Limit > 0 {
		pageNum := page.Page
		if pageNum < 1 {
			pageNum = 1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, (pageNum-1)*page.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Interaction{}
	for rows.Next() {
		var in Interaction
		if err := rows.Scan(&in.ID, &in.Role, &in.Message, &in.Error, &in.Partial, &in.Timestamp); err != nil {
			return nil, 0, err
		}
		out = append(out, in)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) Export(ctx context.Context, scope Scope) ([]Interaction, error) {
	out, _, err := s.List(ctx, scope, Page{})
	return out, err
}

func (s *SQLStore) DeleteMessage(ctx context.Context, scope Scope, id int64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	convID, err := s.resolve(ctx, scope)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM interactions WHERE conversation_id = ? AND seq = ?`), convID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageMissing
	}
	return nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, scope Scope, id int64, text string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	convID, err := s.resolve(ctx, scope)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE interactions SET message = ? WHERE conversation_id = ? AND seq = ?`),
		text, convID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageMissing
	}
	return nil
}

func (s *SQLStore) DeleteConversation(ctx context.Context, scope Scope) error {
	l := s.lock(scope)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	convID, err := s.resolve(ctx, scope)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM interactions WHERE conversation_id = ?`), convID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM conversations WHERE id = ?`), convID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.locks, scope)
	s.mu.Unlock()
	return nil
}

func (s *SQLStore) Rename(ctx context.Context, scope Scope, newName string) error {
	if newName == scope.Conversation {
		return nil
	}

	// Both conversation locks are held so appends under either name cannot
	// interleave with the rename. Ordered acquisition avoids deadlocking
	// against a concurrent rename in the opposite direction.
	target := Scope{Tenant: scope.Tenant, Agent: scope.Agent, Conversation: newName}
	first, second := s.lock(scope), s.lock(target)
	if newName < scope.Conversation {
		first, second = second, first
	}
	first.Lock()
	defer first.Unlock()
	second.Lock()
	defer second.Unlock()

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	convID, err := s.resolve(ctx, scope)
	if err != nil {
		return err
	}

	if _, err := s.resolve(ctx, target); err == nil {
		return ErrNameTaken
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE conversations SET name = ? WHERE id = ?`), newName, convID); err != nil {
		return err
	}

	// The conversation now lives under the target scope; the old scope's
	// lock entry would otherwise linger forever.
	s.mu.Lock()
	delete(s.locks, scope)
	s.mu.Unlock()
	return nil
}

func (s *SQLStore) Conversations(ctx context.Context, tenant, agent string) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT name FROM conversations WHERE tenant = ? AND agent = ? ORDER BY name`),
		tenant, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Open builds a store from storage config; the memory driver yields the
// in-process store.
func Open(cfg *config.StorageConfig) (Store, error) {
	if cfg.Driver == "memory" {
		return NewMemStore(), nil
	}
	return NewSQLStore(cfg)
}

var _ Store = (*SQLStore)(nil)
