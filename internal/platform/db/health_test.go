package db

import (
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"
)

func TestSchemaState(t *testing.T) {
	at := time.Now()
	st := schemaState("vaxstatus", []MigrationStatus{
		{Version: 1, Name: "001_facts.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_status_caches.sql", Applied: true, AppliedAt: &at},
		{Version: 3, Name: "003_next.sql"},
	})
	if st.Name != "vaxstatus" || st.Version != 2 {
		t.Errorf("expected vaxstatus at version 2, got %+v", st)
	}
	if !reflect.DeepEqual(st.Pending, []int{3}) {
		t.Errorf("expected pending [3], got %v", st.Pending)
	}
}

func TestNewHealthReport(t *testing.T) {
	stats := PoolStats{TotalConns: 4, MaxConns: 20}
	current := &SchemaState{Name: "vaxstatus", Version: 2}
	behind := &SchemaState{Name: "vaxstatus", Version: 1, Pending: []int{2}}

	tests := []struct {
		name       string
		pingErr    error
		schema     *SchemaState
		schemaErr  error
		wantCode   int
		wantStatus string
	}{
		{"up to date", nil, current, nil, http.StatusOK, "healthy"},
		{"no migrator", nil, nil, nil, http.StatusOK, "healthy"},
		{"ping fails", errors.New("connection refused"), nil, nil, http.StatusServiceUnavailable, "unreachable"},
		{"status query fails", nil, nil, errors.New("permission denied"), http.StatusServiceUnavailable, "unhealthy"},
		{"behind", nil, behind, nil, http.StatusServiceUnavailable, "migrations_pending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, r := newHealthReport(stats, tt.pingErr, tt.schema, tt.schemaErr)
			if code != tt.wantCode || r.Status != tt.wantStatus {
				t.Errorf("got %d %s, want %d %s", code, r.Status, tt.wantCode, tt.wantStatus)
			}
			if (tt.pingErr != nil || tt.schemaErr != nil) && r.Error == "" {
				t.Error("expected the error in the report")
			}
			if r.Pool.MaxConns != 20 {
				t.Errorf("expected pool stats carried through, got %+v", r.Pool)
			}
		})
	}
}
