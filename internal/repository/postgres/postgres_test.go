package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{pgx.ErrNoRows, repository.ErrNotFound},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"}), repository.ErrConflict},
		{&pgconn.PgError{Code: "23503"}, repository.ErrNotFound},
		{&pgconn.PgError{Code: "23514"}, repository.ErrInvalidArgument},
	}
	for _, tc := range cases {
		if got := mapError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("mapError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if mapError(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	other := errors.New("boom")
	if mapError(other) != other {
		t.Fatalf("expected unknown errors to pass through")
	}
}

func TestMarshalJSONDefaults(t *testing.T) {
	var env map[string]string
	data, err := marshalJSON(env, "{}")
	if err != nil || string(data) != "{}" {
		t.Fatalf("expected empty object, got %q err=%v", data, err)
	}
	data, err = marshalJSON(map[string]string{"A": "1"}, "{}")
	if err != nil || string(data) != `{"A":"1"}` {
		t.Fatalf("unexpected encoding %q err=%v", data, err)
	}
}
