package db

import (
	"context"
	"testing"
)

func TestValidSchema(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"public", true},
		{"vaxstatus", true},
		{"school_2025", true},
		{"_private", true},
		{"A1B2C3", true},
		{"2025school", false},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"", false},
		{"drop;table", false},
	}

	for _, tt := range tests {
		if got := ValidSchema(tt.input); got != tt.valid {
			t.Errorf("ValidSchema(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestCreateSchema_InvalidName(t *testing.T) {
	for _, name := range []string{"with-dash", "with.dot", "sp ace", "drop;table"} {
		if err := CreateSchema(context.Background(), nil, name, nil); err == nil {
			t.Errorf("expected error for invalid schema %q", name)
		}
	}
}

func TestNewPool_InvalidSchema(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://localhost:5432/db", "bad-schema", 4, 1)
	if err == nil {
		t.Error("expected error for invalid schema")
	}
}
