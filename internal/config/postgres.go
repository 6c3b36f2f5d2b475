package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema creates the tables read by PostgresSource.
const Schema = `
CREATE TABLE IF NOT EXISTS actuators (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	driver         TEXT NOT NULL,
	duty_period_ms BIGINT NOT NULL DEFAULT 0,
	params         JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS methods (
	id         TEXT PRIMARY KEY,
	definition JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS controllers (
	id        TEXT PRIMARY KEY,
	kind      TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	enabled   BOOLEAN NOT NULL DEFAULT FALSE,
	period_ms BIGINT NOT NULL,
	params    JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS controller_state (
	controller_id TEXT NOT NULL,
	field         TEXT NOT NULL,
	value         TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (controller_id, field)
);
`

const (
	selectController = `SELECT id, kind, name, enabled, period_ms, params FROM controllers WHERE id = $1`
	selectAll        = `SELECT id, kind, name, enabled, period_ms, params FROM controllers ORDER BY id`
	selectByKind     = `SELECT id, kind, name, enabled, period_ms, params FROM controllers WHERE kind = $1 ORDER BY id`
	selectState      = `SELECT field, value FROM controller_state WHERE controller_id = $1`
	selectAllState   = `SELECT controller_id, field, value FROM controller_state`
	selectMethod     = `SELECT definition FROM methods WHERE id = $1`
	selectActuators  = `SELECT id, name, driver, duty_period_ms, params FROM actuators ORDER BY id`
	upsertState      = `INSERT INTO controller_state (controller_id, field, value, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (controller_id, field) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
)

// PostgresSource reads definitions from PostgreSQL.
type PostgresSource struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSource wraps an open database handle.
func NewPostgresSource(db *sql.DB, logger *zap.Logger) *PostgresSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSource{db: db, logger: logger.Named("config.postgres")}
}

// OpenPostgres connects using a lib/pq DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresSource(db, logger), nil
}

// EnsureSchema creates missing tables.
func (p *PostgresSource) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *PostgresSource) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanController(row rowScanner) (*ControllerConfig, error) {
	var (
		c        ControllerConfig
		kind     string
		periodMS int64
		params   []byte
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.Enabled, &periodMS, &params); err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.Period = Duration(time.Duration(periodMS) * time.Millisecond)

	var body struct {
		Input       *InputParams       `json:"input"`
		PID         *PIDParams         `json:"pid"`
		Conditional *ConditionalParams `json:"conditional"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &body); err != nil {
			return nil, invalid(c.ID, "params", "%v", err)
		}
	}
	c.Input, c.PID, c.Conditional = body.Input, body.PID, body.Conditional
	return &c, nil
}

func (p *PostgresSource) method(ctx context.Context, id string) (*Method, error) {
	var def []byte
	err := p.db.QueryRowContext(ctx, selectMethod, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query method: %w", err)
	}
	var m Method
	if err := json.Unmarshal(def, &m); err != nil {
		return nil, invalid(id, "definition", "%v", err)
	}
	m.ID = id
	return &m, nil
}

func (p *PostgresSource) finish(ctx context.Context, c *ControllerConfig, state map[string]string) error {
	applyState(c, state)
	if err := resolveMethod(c, func(id string) (*Method, error) { return p.method(ctx, id) }); err != nil {
		return err
	}
	return c.Validate()
}

// Controller implements Source.
func (p *PostgresSource) Controller(ctx context.Context, id string) (*ControllerConfig, error) {
	c, err := scanController(p.db.QueryRowContext(ctx, selectController, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("controller %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query controller %s: %w", id, err)
	}

	rows, err := p.db.QueryContext(ctx, selectState, id)
	if err != nil {
		return nil, fmt.Errorf("query state %s: %w", id, err)
	}
	defer rows.Close()
	state := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		state[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}

	if err := p.finish(ctx, c, state); err != nil {
		return nil, err
	}
	return c, nil
}

// Controllers implements Source.
func (p *PostgresSource) Controllers(ctx context.Context, kind Kind) ([]*ControllerConfig, []error, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = p.db.QueryContext(ctx, selectAll)
	} else {
		rows, err = p.db.QueryContext(ctx, selectByKind, string(kind))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query controllers: %w", err)
	}
	var (
		cfgs []*ControllerConfig
		errs []error
	)
	for rows.Next() {
		c, err := scanController(rows)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				errs = append(errs, err)
				continue
			}
			rows.Close()
			return nil, nil, fmt.Errorf("scan controller: %w", err)
		}
		cfgs = append(cfgs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("iterate controllers: %w", err)
	}
	rows.Close()

	state, err := p.allState(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := cfgs[:0]
	for _, c := range cfgs {
		if err := p.finish(ctx, c, state[c.ID]); err != nil {
			p.logger.Warn("skipping invalid controller", zap.String("controller_id", c.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errs, nil
}

func (p *PostgresSource) allState(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, selectAllState)
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()
	state := make(map[string]map[string]string)
	for rows.Next() {
		var id, field, value string
		if err := rows.Scan(&id, &field, &value); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if state[id] == nil {
			state[id] = make(map[string]string)
		}
		state[id][field] = value
	}
	return state, rows.Err()
}

// Actuators implements Source.
func (p *PostgresSource) Actuators(ctx context.Context) ([]ActuatorConfig, error) {
	rows, err := p.db.QueryContext(ctx, selectActuators)
	if err != nil {
		return nil, fmt.Errorf("query actuators: %w", err)
	}
	defer rows.Close()

	var out []ActuatorConfig
	for rows.Next() {
		var (
			a        ActuatorConfig
			periodMS int64
			params   []byte
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Driver, &periodMS, &params); err != nil {
			return nil, fmt.Errorf("scan actuator: %w", err)
		}
		a.DutyPeriod = Duration(time.Duration(periodMS) * time.Millisecond)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &a.Params); err != nil {
				return nil, invalid(a.ID, "params", "%v", err)
			}
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actuators: %w", err)
	}
	return out, nil
}

// SaveField implements Source.
func (p *PostgresSource) SaveField(ctx context.Context, id, field, value string) error {
	if _, err := p.db.ExecContext(ctx, upsertState, id, field, value); err != nil {
		return fmt.Errorf("save %s.%s: %w", id, field, err)
	}
	return nil
}
