// Package postgres stores each message as a row in a PostgreSQL table with
// columns (name text, path text, payload jsonb, created_at timestamptz).
package postgres

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/courier/internal/database"
	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Schemes served by this transport.
var Schemes = []string{"postgres", "postgresql"}

// DefaultTable receives messages when Transport.SQL.Table is unset.
const DefaultTable = "courier_messages"

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Transport struct {
	transport.Outbound

	db      database.DBConfig
	table   string
	insert  string
	timeout time.Duration

	mu        sync.Mutex
	tlsConfig *tls.Config
	pool      *pgxpool.Pool
}

func New() transport.Transporter {
	return &Transport{}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	db, err := database.FromURL(u)
	if err != nil {
		return transport.Validationf("%v", err)
	}
	table := DefaultTable
	if v, ok := props.Get(model.PropertySQLTable); ok && v != "" {
		table = v
	}
	if !tablePattern.MatchString(table) {
		return transport.Validationf("%s %q is not a valid table name", model.PropertySQLTable, table)
	}
	if mime, ok := props.Get(model.PropertyMimeType); ok && mime != transport.MimeJSON {
		return transport.Validationf("payloads are stored as jsonb, %s %q not supported", model.PropertyMimeType, mime)
	}
	timeout, err := transport.TimeoutOf(props, model.PropertySQLTimeout, transport.DefaultTimeout)
	if err != nil {
		return err
	}

	t.db = db
	t.table = table
	t.insert = fmt.Sprintf(
		"INSERT INTO %s (name, path, payload, created_at) VALUES ($1, $2, $3, $4)",
		pgx.Identifier(splitTable(table)).Sanitize(),
	)
	t.timeout = timeout
	return nil
}

func splitTable(table string) []string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return []string{schema, name}
	}
	return []string{table}
}

func (t *Transport) SupportsTLS() bool { return true }

// SetTLSConfig applies to pools created afterwards.
func (t *Transport) SetTLSConfig(cfg *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg != nil {
		cfg = cfg.Clone()
	}
	t.tlsConfig = cfg
	return nil
}

func (t *Transport) Send(ctx context.Context, msg any) error {
	return t.SendTo(ctx, msg, "", "", nil)
}

func (t *Transport) SendTo(ctx context.Context, msg any, name, path string, _ model.Properties) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", transport.ErrTransport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	pool, err := t.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, t.insert, name, path, payload, time.Now().UTC()); err != nil {
		return classify(fmt.Errorf("insert into %s: %w", t.table, err))
	}
	return nil
}

// classify treats errors reported by the server as transport failures and
// everything else as connectivity.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transport.Failure(err)
	}
	return transport.Connectivity(err)
}

func (t *Transport) connect(ctx context.Context) (*pgxpool.Pool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pool != nil {
		return t.pool, nil
	}

	pool, err := database.Connect(ctx, t.db, t.tlsConfig)
	if err != nil {
		return nil, classify(err)
	}
	t.pool = pool
	return pool, nil
}

func (t *Transport) Dispose() {
	t.mu.Lock()
	pool := t.pool
	t.pool = nil
	t.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
