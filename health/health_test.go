package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubCheckable struct {
	details map[string]interface{}
	err     error
}

func (c stubCheckable) Health(context.Context) (interface{}, error) {
	return c.details, c.err
}

func TestCheckAggregatesHealthyComponents(t *testing.T) {
	r := NewRegistry()
	r.Register("store", stubCheckable{details: map[string]interface{}{"ok": true}})
	r.Register("dispatcher", stubCheckable{})

	report := r.Check(context.Background())
	require.True(t, report.Healthy)
	require.Len(t, report.Checks, 2)
}

func TestCheckReportsUnhealthyWhenAnyComponentFails(t *testing.T) {
	r := NewRegistry()
	r.Register("store", stubCheckable{})
	r.Register("broken", stubCheckable{err: errors.New("db unreachable")})

	report := r.Check(context.Background())
	require.False(t, report.Healthy)

	var found bool
	for _, c := range report.Checks {
		if c.Name == "broken" {
			found = true
			require.False(t, c.Healthy)
			require.Equal(t, "db unreachable", c.Error)
		}
	}
	require.True(t, found)
}

func TestCheckOnEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	report := r.Check(context.Background())
	require.True(t, report.Healthy)
	require.Empty(t, report.Checks)
}
