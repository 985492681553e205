package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/soldiers/internal/clock"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/identity"
	"github.com/smallbiznis/soldiers/internal/sweep"
	"github.com/smallbiznis/soldiers/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEntitlements struct {
	entdomain.Service

	grants  []entdomain.GrantRequest
	revokes []entdomain.RevokeRequest
	revoke  error
}

func (f *fakeEntitlements) Grant(_ context.Context, req entdomain.GrantRequest) (*entdomain.Result, error) {
	f.grants = append(f.grants, req)
	return &entdomain.Result{OwnerID: req.OwnerID, Action: entdomain.ActionUpsert, Capabilities: req.Capabilities}, nil
}

func (f *fakeEntitlements) Revoke(_ context.Context, req entdomain.RevokeRequest) (*entdomain.Result, error) {
	f.revokes = append(f.revokes, req)
	if f.revoke != nil {
		return nil, f.revoke
	}
	return &entdomain.Result{OwnerID: req.OwnerID, Action: entdomain.ActionDelete}, nil
}

type fakeSweeper struct {
	summary sweep.Summary
	err     error
}

func (f *fakeSweeper) RunOnce(context.Context) (sweep.Summary, error) {
	return f.summary, f.err
}

func stubConnect(t *testing.T, d *deps) *int {
	t.Helper()
	started := 0
	orig := connect
	connect = func(context.Context) (*deps, func(), error) {
		started++
		return d, func() {}, nil
	}
	t.Cleanup(func() { connect = orig })
	return &started
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGrantCommandBuildsRequest(t *testing.T) {
	svc := &fakeEntitlements{}
	stubConnect(t, &deps{Entitlements: svc})

	out, err := execute(t, "grant", "usr_1",
		"--capability", "buddy", "--capability", "pitch-bot",
		"--plan", "single", "--interval", "month",
		"--until", "2030-01-31", "--actor", "ops")
	require.NoError(t, err)

	require.Len(t, svc.grants, 1)
	req := svc.grants[0]
	assert.Equal(t, "usr_1", req.OwnerID)
	assert.Equal(t, []string{"buddy", "pitch-bot"}, req.Capabilities)
	assert.Equal(t, entdomain.PlanSingle, req.PlanKind)
	assert.Equal(t, entdomain.IntervalMonth, req.Interval)
	assert.Equal(t, "ops", req.Actor)
	require.NotNil(t, req.Until)
	assert.Equal(t, time.Date(2030, 1, 31, 23, 59, 59, 0, time.UTC), *req.Until)

	var result entdomain.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, entdomain.ActionUpsert, result.Action)
}

func TestGrantCommandRejectsBadUntil(t *testing.T) {
	started := stubConnect(t, &deps{Entitlements: &fakeEntitlements{}})

	_, err := execute(t, "grant", "usr_1", "--until", "next week")
	require.Error(t, err)
	assert.Zero(t, *started)
}

func TestRevokeCommandNeedsTarget(t *testing.T) {
	svc := &fakeEntitlements{}
	started := stubConnect(t, &deps{Entitlements: svc})

	_, err := execute(t, "revoke", "usr_1")
	require.Error(t, err)
	assert.Zero(t, *started)

	_, err = execute(t, "revoke", "usr_1", "--all")
	require.NoError(t, err)
	require.Len(t, svc.revokes, 1)
	assert.True(t, svc.revokes[0].All)
}

func TestRevokeCommandSurfacesServiceError(t *testing.T) {
	svc := &fakeEntitlements{revoke: entdomain.ErrConflict}
	stubConnect(t, &deps{Entitlements: svc})

	_, err := execute(t, "revoke", "usr_1", "--capability", "buddy")
	assert.ErrorIs(t, err, entdomain.ErrConflict)
}

func TestSweepCommandPrintsSummary(t *testing.T) {
	runErr := errors.New("owner usr_9: boom")
	stubConnect(t, &deps{Sweeper: &fakeSweeper{
		summary: sweep.Summary{Scanned: 3, Changed: 1, Unchanged: 1, Failed: 1},
		err:     runErr,
	}})

	out, err := execute(t, "sweep")
	assert.ErrorIs(t, err, runErr)

	var summary sweep.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 1, summary.Failed)
}

func TestSweepCommandWithoutSweeper(t *testing.T) {
	stubConnect(t, &deps{})

	_, err := execute(t, "sweep")
	assert.ErrorIs(t, err, errNoSweeper)
}

func TestOwnersCommandPagesThroughDirectory(t *testing.T) {
	conn := testutil.NewSQLite(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	dir := identity.NewDirectory(conn, clk, zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		_, err := dir.Upsert(context.Background(), fmt.Sprintf("usr_%d", i), fmt.Sprintf("u%d@example.com", i))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	stubConnect(t, &deps{Owners: dir})

	out, err := execute(t, "owners", "--page-size", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var last identity.Owner
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	assert.Equal(t, "usr_2", last.ID)
	assert.Equal(t, "u2@example.com", last.Email)
}
