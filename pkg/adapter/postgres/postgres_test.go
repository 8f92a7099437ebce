package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoslabs/qmux/pkg/mux"
	"github.com/stratoslabs/qmux/pkg/qerrors"
)

func TestBuildWhere(t *testing.T) {
	tests := []struct {
		name     string
		filter   map[string]interface{}
		firstArg int
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:    "empty filter",
			filter:  nil,
			wantSQL: "",
		},
		{
			name:     "single condition",
			filter:   map[string]interface{}{"id": 7},
			firstArg: 1,
			wantSQL:  ` WHERE "id" = $1`,
			wantArgs: []interface{}{7},
		},
		{
			name:     "keys sorted for determinism",
			filter:   map[string]interface{}{"name": "ada", "age": 36},
			firstArg: 1,
			wantSQL:  ` WHERE "age" = $1 AND "name" = $2`,
			wantArgs: []interface{}{36, "ada"},
		},
		{
			name:     "placeholder offset",
			filter:   map[string]interface{}{"id": 7},
			firstArg: 3,
			wantSQL:  ` WHERE "id" = $3`,
			wantArgs: []interface{}{7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildWhere(tt.filter, tt.firstArg)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildInsert(t *testing.T) {
	sql, args := buildInsert("users", map[string]interface{}{"name": "ada", "age": 36})
	assert.Equal(t, `INSERT INTO "users" ("age", "name") VALUES ($1, $2)`, sql)
	assert.Equal(t, []interface{}{36, "ada"}, args)
}

func TestIdentQuotesDangerousNames(t *testing.T) {
	assert.Equal(t, `"users"`, ident("users"))
	assert.Equal(t, `"us""ers"`, ident(`us"ers`))
	assert.Equal(t, `"drop table users; --"`, ident("drop table users; --"))
}

func TestExecuteRejectsForeignConnection(t *testing.T) {
	a := New()
	_, err := a.Execute(context.Background(), fakeConn{}, mux.Operation{
		Kind:       mux.OpFind,
		Collection: "users",
	})
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeValidation))
}

func TestAggregateValidation(t *testing.T) {
	a := New()
	pc := &Conn{id: "test"}

	_, err := a.aggregate(context.Background(), pc, mux.Operation{
		Kind:       mux.OpAggregate,
		Collection: "users",
		Params:     map[string]interface{}{"function": "exfiltrate(", "column": "age"},
	})
	require.Error(t, err, "unknown aggregate functions must never reach SQL")
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeValidation))

	_, err = a.aggregate(context.Background(), pc, mux.Operation{
		Kind:       mux.OpAggregate,
		Collection: "users",
		Params:     map[string]interface{}{"function": "sum"},
	})
	require.Error(t, err, "missing column")
}

func TestCreateValidation(t *testing.T) {
	a := New()
	pc := &Conn{id: "test"}

	_, err := a.create(context.Background(), pc, mux.Operation{
		Kind:       mux.OpCreate,
		Collection: "users",
	})
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeValidation))
}

type fakeConn struct{}

func (fakeConn) ID() string { return "fake" }

func (fakeConn) Close(_ context.Context) error { return nil }
