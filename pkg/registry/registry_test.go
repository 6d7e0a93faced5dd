package registry_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/crm"
	"github.com/groundline/groundline/pkg/mcp"
	"github.com/groundline/groundline/pkg/registry"
)

func quietGuard() registry.NameGuard {
	guard := mcp.NewSafetyGuard(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return guard.CheckToolName
}

func fastExecutor() *crm.MockExecutor {
	m := crm.NewMockExecutor()
	m.MinLatency = 0
	m.MaxLatency = 0
	return m
}

func standardRegistry(t *testing.T) (*registry.Registry, *crm.MockExecutor) {
	t.Helper()
	exec := fastExecutor()
	r := registry.New(quietGuard())
	require.NoError(t, registry.RegisterStandardTools(r, exec))
	return r, exec
}

func echoTool(name string) *registry.Tool {
	return &registry.Tool{
		Name: name,
		Execute: func(context.Context, map[string]any) (*crm.Result, error) {
			return &crm.Result{Success: true}, nil
		},
	}
}

func TestRegister_RefusesBlockedNames(t *testing.T) {
	r := registry.New(quietGuard())

	for _, name := range []string{"delete_lead", "mass_update_leads", "execute_soql_query"} {
		err := r.Register(echoTool(name), "")
		assert.ErrorIs(t, err, registry.ErrBlockedName, "name %q", name)
	}

	_, err := r.Get("delete_lead")
	assert.ErrorIs(t, err, registry.ErrToolNotFound, "a refused tool never lands in the catalog")
}

func TestRegister_EmptyNameAndMissingExecute(t *testing.T) {
	r := registry.New(nil)

	assert.ErrorIs(t, r.Register(echoTool(""), ""), registry.ErrBlockedName)
	assert.ErrorIs(t, r.Register(&registry.Tool{Name: "lookup_lead"}, ""), registry.ErrMissingExecute)
}

func TestRegister_Duplicate(t *testing.T) {
	r := registry.New(nil)

	require.NoError(t, r.Register(echoTool("lookup_lead"), ""))
	assert.ErrorIs(t, r.Register(echoTool("lookup_lead"), ""), registry.ErrDuplicateTool)
}

func TestRegister_InvalidSchemaDocument(t *testing.T) {
	r := registry.New(nil)

	err := r.Register(echoTool("lookup_lead"), `{"type": 42}`)
	assert.Error(t, err)
	_, getErr := r.Get("lookup_lead")
	assert.ErrorIs(t, getErr, registry.ErrToolNotFound)
}

func TestRegister_EmptySchemaAcceptsAnyObject(t *testing.T) {
	r := registry.New(nil)
	require.NoError(t, r.Register(echoTool("lookup_lead"), ""))

	tool, err := r.Get("lookup_lead")
	require.NoError(t, err)
	assert.NoError(t, tool.ValidateParams(map[string]any{"anything": "goes", "n": 1}))
}

func TestRegisterStandardTools_Catalog(t *testing.T) {
	r, _ := standardRegistry(t)

	tools := r.List()
	assert.Len(t, tools, 18)
	for i := 1; i < len(tools); i++ {
		assert.Less(t, tools[i-1].Name, tools[i].Name, "List is sorted by name")
	}

	matcher, err := r.Get("match_account")
	require.NoError(t, err)
	assert.False(t, matcher.Mutating, "account matching is a lookup")

	upsert, err := r.Get("upsert_lead")
	require.NoError(t, err)
	assert.True(t, upsert.Mutating)
	assert.Equal(t, "lead", upsert.EntityType)
}

func TestValidateParams(t *testing.T) {
	r, _ := standardRegistry(t)
	upsert, err := r.Get("upsert_lead")
	require.NoError(t, err)

	assert.NoError(t, upsert.ValidateParams(map[string]any{
		"email": "jane@acme.io", "firstName": "Jane",
	}))
	assert.ErrorIs(t, upsert.ValidateParams(map[string]any{"firstName": "Jane"}),
		registry.ErrInvalidParams, "email is required")
	assert.ErrorIs(t, upsert.ValidateParams(map[string]any{
		"email": "jane@acme.io", "sneaky": true,
	}), registry.ErrInvalidParams, "unknown properties are refused")

	score, err := r.Get("set_lead_score")
	require.NoError(t, err)
	assert.NoError(t, score.ValidateParams(map[string]any{"leadId": "00Q1", "score": 82}),
		"native ints normalise to the JSON number the schema expects")
	assert.ErrorIs(t, score.ValidateParams(map[string]any{"leadId": "00Q1", "score": 150}),
		registry.ErrInvalidParams, "score is capped at 100")
	assert.ErrorIs(t, score.ValidateParams(map[string]any{"score": 82}),
		registry.ErrInvalidParams, "leadId is required")
}

func TestValidateParams_NormalisesNestedValues(t *testing.T) {
	r, _ := standardRegistry(t)
	firmo, err := r.Get("sync_firmographics")
	require.NoError(t, err)

	assert.NoError(t, firmo.ValidateParams(map[string]any{
		"leadId": "00Q1",
		"firmographics": map[string]any{
			"employees": 500,
			"techStack": []string{"Go", "Postgres"},
		},
	}))
}

func TestDispatch(t *testing.T) {
	r, _ := standardRegistry(t)
	ctx := context.Background()

	res, err := r.Dispatch(ctx, "upsert_lead", map[string]any{"email": "jane@acme.io"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.CRMRecordID)

	// The same email resolves to the same record.
	again, err := r.Dispatch(ctx, "upsert_lead", map[string]any{"email": "JANE@acme.io "})
	require.NoError(t, err)
	assert.Equal(t, res.CRMRecordID, again.CRMRecordID)
}

func TestDispatch_UnknownTool(t *testing.T) {
	r, _ := standardRegistry(t)

	_, err := r.Dispatch(context.Background(), "teleport_lead", nil)
	assert.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestDispatch_InvalidParamsNeverExecute(t *testing.T) {
	r, exec := standardRegistry(t)

	_, err := r.Dispatch(context.Background(), "upsert_lead", map[string]any{"firstName": "Jane"})
	assert.ErrorIs(t, err, registry.ErrInvalidParams)
	assert.Equal(t, 0, exec.Calls(), "schema-invalid params must not reach the executor")
}

func TestDispatch_DangerousToolRefused(t *testing.T) {
	r := registry.New(nil)
	called := false
	tool := &registry.Tool{
		Name:      "purge_archive",
		Dangerous: true,
		Execute: func(context.Context, map[string]any) (*crm.Result, error) {
			called = true
			return &crm.Result{Success: true}, nil
		},
	}
	require.NoError(t, r.Register(tool, ""))

	_, err := r.Dispatch(context.Background(), "purge_archive", map[string]any{})
	assert.ErrorIs(t, err, registry.ErrDangerousTool)
	assert.False(t, called)
}
