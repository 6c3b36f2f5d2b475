package config

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresSource) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPostgresSource(db, zap.NewNop())
}

var controllerColumns = []string{"id", "kind", "name", "enabled", "period_ms", "params"}

func TestPostgresController(t *testing.T) {
	db, mock, src := setupMockDB(t)
	defer db.Close()

	params := `{"pid": {"input_id": "t1", "measurement": "temperature", "setpoint": 21,
		"kp": 2, "integrator_min": -10, "integrator_max": 10, "direction": "raise",
		"method_id": "daily1",
		"raise": {"actuator": "heater", "type": "duty"}}}`
	mock.ExpectQuery(`SELECT id, kind, name, enabled, period_ms, params FROM controllers WHERE id`).
		WithArgs("loop").
		WillReturnRows(sqlmock.NewRows(controllerColumns).
			AddRow("loop", "pid", "Greenhouse", true, int64(30000), []byte(params)))
	mock.ExpectQuery(`SELECT field, value FROM controller_state`).
		WithArgs("loop").
		WillReturnRows(sqlmock.NewRows([]string{"field", "value"}).
			AddRow("mode", "held"))
	mock.ExpectQuery(`SELECT definition FROM methods`).
		WithArgs("daily1").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).
			AddRow([]byte(`{"type": "daily", "steps": [{"at": "06:00", "setpoint": 18}, {"at": "18:00", "setpoint": 22}]}`)))

	c, err := src.Controller(context.Background(), "loop")
	require.NoError(t, err)
	assert.Equal(t, KindPID, c.Kind)
	assert.Equal(t, 30.0, c.Period.Seconds())
	assert.Equal(t, 2.0, c.PID.Kp)
	assert.Equal(t, "held", c.ResumeValue(FieldMode))
	require.NotNil(t, c.PID.Method)
	assert.Equal(t, "daily1", c.PID.Method.ID)
	assert.Equal(t, MethodDaily, c.PID.Method.Type)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresControllerNotFound(t *testing.T) {
	db, mock, src := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM controllers WHERE id`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := src.Controller(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresControllersByKind(t *testing.T) {
	db, mock, src := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM controllers WHERE kind = \$1 ORDER BY id`).
		WithArgs("input").
		WillReturnRows(sqlmock.NewRows(controllerColumns).
			AddRow("t1", "input", "", true, int64(10000), []byte(`{"input": {"driver": "aht20", "bus": "i2c-1"}}`)).
			AddRow("t2", "input", "", true, int64(0), []byte(`{"input": {"driver": "sim"}}`)).
			AddRow("t3", "input", "", true, int64(1000), []byte(`{not json`)))
	mock.ExpectQuery(`SELECT controller_id, field, value FROM controller_state`).
		WillReturnRows(sqlmock.NewRows([]string{"controller_id", "field", "value"}).
			AddRow("t1", "enabled", "false"))

	cfgs, errs, err := src.Controllers(context.Background(), KindInput)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "t1", cfgs[0].ID)
	assert.False(t, cfgs[0].Enabled)
	// t2 has no period, t3 has unparseable params.
	assert.Len(t, errs, 2)
	for _, e := range errs {
		assert.True(t, errors.Is(e, ErrInvalid))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActuators(t *testing.T) {
	db, mock, src := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, name, driver, duty_period_ms, params FROM actuators`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "driver", "duty_period_ms", "params"}).
			AddRow("heater", "Heater", "gpio", int64(5000), []byte(`{"chip": "gpiochip0", "line": "23"}`)))

	acts, err := src.Actuators(context.Background())
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "23", acts[0].Params["line"])
	assert.Equal(t, 5.0, acts[0].DutyPeriod.Seconds())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveField(t *testing.T) {
	db, mock, src := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO controller_state (.+) ON CONFLICT \(controller_id, field\) DO UPDATE`).
		WithArgs("loop", "method_state", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, src.SaveField(context.Background(), "loop", "method_state", "running"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveFieldError(t *testing.T) {
	db, mock, src := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO controller_state`).
		WillReturnError(errors.New("connection reset"))

	err := src.SaveField(context.Background(), "loop", "mode", "paused")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
