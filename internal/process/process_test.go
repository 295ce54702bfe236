package process_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/process"
)

const processesYAML = `
processes:
  - name: demo
    tenants: [project1, project2]
    engine: jobs
    size_forecast: "*2"
    duration_forecast: "2s/k"
    parameters:
      - name: x
        type: integer
        required: true
      - name: mode
        type: enum
        allowed: [fast, slow]
        default: fast
    batch_constraints:
      max_files: 3
      max_total_size: 1k
  - name: restricted
    tenants: [project1]
    roles: [ADMIN]
    datasets: [ds, raw]
    engine: jobs
    size_forecast: "not a forecast"
    allow_multiple_executions: true
    execution_constraints:
      max_input_files: 1
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func loadTestRegistry(t *testing.T) *process.Registry {
	t.Helper()
	reg, err := process.Load(strings.NewReader(processesYAML), discardLogger(), process.DefaultDefaults())
	require.NoError(t, err)
	return reg
}

func TestLoadBindsTenants(t *testing.T) {
	reg := loadTestRegistry(t)

	demo, err := reg.Find("project2", "demo")
	require.NoError(t, err)
	assert.Equal(t, "jobs", demo.EngineName())
	assert.Equal(t, int64(200), demo.Forecasts().Size.ExpectedResultSizeInBytes(100))
	assert.Equal(t, 20*time.Second, demo.Forecasts().Duration.ExpectedRunningDuration(10*1024))
	assert.False(t, demo.AllowsMultipleExecutions())

	_, err = reg.Find("project2", "restricted")
	assert.ErrorIs(t, err, process.ErrProcessNotFound)

	names := []string{}
	for _, d := range reg.FindByTenant("project1") {
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{"demo", "restricted"}, names)
	assert.Empty(t, reg.FindByTenant("nobody"))
}

func TestLoadFallsBackOnBadForecast(t *testing.T) {
	reg := loadTestRegistry(t)

	restricted, err := reg.Find("project1", "restricted")
	require.NoError(t, err)
	assert.Equal(t, int64(500), restricted.Forecasts().Size.ExpectedResultSizeInBytes(500))
	assert.Equal(t, time.Hour, restricted.Forecasts().Duration.ExpectedRunningDuration(0))
	assert.True(t, restricted.AllowsMultipleExecutions())
}

func TestLoadBuildsConstraints(t *testing.T) {
	reg := loadTestRegistry(t)

	demo, _ := reg.Find("project1", "demo")
	b := &model.Batch{FileStats: map[string]model.FileSetStats{"ds": {Count: 4, SizeBytes: 2048}}}
	assert.Len(t, demo.BatchChecker().Check(b), 2)

	restricted, _ := reg.Find("project1", "restricted")
	e := &model.Execution{InputFiles: []model.InputFile{{}, {}}}
	assert.Len(t, restricted.ExecutionChecker().Check(e), 1)
	assert.Empty(t, restricted.BatchChecker().Check(b))

	unlinked := &model.Batch{FileStats: map[string]model.FileSetStats{"raw": {Count: 1}, "scans": {Count: 1}}}
	vs := restricted.BatchChecker().Check(unlinked)
	require.Len(t, vs, 1)
	assert.Contains(t, vs[0].Message, `"scans"`)
	assert.Empty(t, demo.BatchChecker().Check(unlinked))
}

func TestLoadRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing engine": "processes:\n  - name: a\n    tenants: [t]\n",
		"missing tenant": "processes:\n  - name: a\n    engine: e\n",
		"unknown field":  "processes:\n  - name: a\n    engine: e\n    tenants: [t]\n    colour: red\n",
		"bad size":       "processes:\n  - name: a\n    engine: e\n    tenants: [t]\n    batch_constraints:\n      max_total_size: lots\n",
		"empty dataset":  "processes:\n  - name: a\n    engine: e\n    tenants: [t]\n    datasets: [\"\"]\n",
		"empty enum":     "processes:\n  - name: a\n    engine: e\n    tenants: [t]\n    parameters:\n      - name: p\n        type: enum\n",
		"duplicate":      "processes:\n  - name: a\n    engine: e\n    tenants: [t]\n  - name: a\n    engine: e\n    tenants: [t]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := process.Load(strings.NewReader(doc), discardLogger(), process.DefaultDefaults())
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	reg, err := process.Load(strings.NewReader(""), discardLogger(), process.DefaultDefaults())
	require.NoError(t, err)
	assert.Empty(t, reg.FindByTenant("any"))
}

func TestRoleRights(t *testing.T) {
	reg := loadTestRegistry(t)
	rights := process.RoleRights{Registry: reg}
	ctx := context.Background()

	tests := []struct {
		tenant, role, process string
		want                  bool
	}{
		{"project1", "PUBLIC", "demo", true},
		{"project1", "ADMIN", "restricted", true},
		{"project1", "PUBLIC", "restricted", false},
		{"project2", "ADMIN", "restricted", false},
		{"project1", "ADMIN", "missing", false},
	}
	for _, tt := range tests {
		got, err := rights.IsAllowed(ctx, tt.tenant, tt.role, tt.process)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s/%s", tt.tenant, tt.role, tt.process)
	}
}

func TestValidateParameters(t *testing.T) {
	descs := []process.ParameterDescriptor{
		{Name: "x", Type: process.TypeInteger, Required: true},
		{Name: "ratio", Type: process.TypeFloat},
		{Name: "verbose", Type: process.TypeBoolean, Default: "false"},
		{Name: "mode", Type: process.TypeEnum, Allowed: []string{"fast", "slow"}},
	}

	t.Run("valid with defaults", func(t *testing.T) {
		got, err := process.ValidateParameters(descs, map[string]string{"x": "1", "mode": "slow"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"x": "1", "mode": "slow", "verbose": "false"}, got)
	})

	t.Run("every violation reported", func(t *testing.T) {
		_, err := process.ValidateParameters(descs, map[string]string{
			"ratio":   "abc",
			"verbose": "maybe",
			"mode":    "medium",
			"zzz":     "1",
			"aaa":     "2",
		})
		var perr *process.InvalidParametersError
		require.True(t, errors.As(err, &perr))

		fields := make([]string, len(perr.Violations))
		for i, v := range perr.Violations {
			fields[i] = v.Field
		}
		assert.Equal(t, []string{"x", "ratio", "verbose", "mode", "aaa", "zzz"}, fields)
	})
}
