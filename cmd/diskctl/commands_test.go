package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/model"
	"github.com/devrev/bynar/internal/wire"
)

type fakeAPI struct {
	address  string
	status   *wire.StatusQuery
	override *wire.OverrideRequest
	resolve  *wire.ResolveRequest
	err      error
	ack      *wire.Ack
	closed   bool
}

func (f *fakeAPI) Status(ctx context.Context, req *wire.StatusQuery) (*wire.StatusReply, error) {
	f.status = req
	if f.err != nil {
		return nil, f.err
	}
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &wire.StatusReply{
		Disks: []model.Disk{{
			DiskID: "WD-1", NodeID: "node-1", DevicePath: "/dev/sdb", State: model.DiskStateError,
			Health: model.HealthSummary{ReallocatedSectors: 212}, LastTransitionTime: opened,
		}},
		Operations: []model.Operation{{
			OperationID: "op-1", DiskID: "WD-1", Kind: model.OperationRemove,
			Status: model.OperationDenied, DecidedBy: model.DecidedByAuto, Reason: "insufficient redundancy",
		}},
		Tickets: []model.Ticket{{ExternalID: "TKT-9", DiskID: "WD-1", Status: model.TicketOpen, Updates: 1, OpenedAt: opened}},
	}, nil
}

func (f *fakeAPI) Override(ctx context.Context, req *wire.OverrideRequest) (*wire.DecisionReply, error) {
	f.override = req
	if f.err != nil {
		return nil, f.err
	}
	return &wire.DecisionReply{OperationID: "op-2", Decision: model.DecisionApprove, Status: model.OperationApproved}, nil
}

func (f *fakeAPI) ResolveTicket(ctx context.Context, req *wire.ResolveRequest) (*wire.Ack, error) {
	f.resolve = req
	if f.ack != nil {
		return f.ack, nil
	}
	return &wire.Ack{Accepted: true}, nil
}

func (f *fakeAPI) Close() error {
	f.closed = true
	return nil
}

func run(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(address string, timeout time.Duration) (arbiterAPI, error) {
		api.address = address
		return api, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatus_Table(t *testing.T) {
	api := &fakeAPI{}
	out, err := run(t, api, "status", "--node", "node-1", "--arbiter", "arbiter:7000")
	require.NoError(t, err)

	assert.Equal(t, "arbiter:7000", api.address)
	assert.Equal(t, "node-1", api.status.NodeID)
	assert.True(t, api.closed)
	assert.Contains(t, out, "WD-1")
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "insufficient redundancy")
	assert.Contains(t, out, "TKT-9")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestStatus_JSON(t *testing.T) {
	out, err := run(t, &fakeAPI{}, "status", "-o", "json")
	require.NoError(t, err)

	var reply wire.StatusReply
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	require.Len(t, reply.Disks, 1)
	assert.Equal(t, model.DiskStateError, reply.Disks[0].State)
}

func TestStatus_Error(t *testing.T) {
	_, err := run(t, &fakeAPI{err: apperrors.TransientTransport("Status failed after 3 attempts", nil)}, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Status failed")
}

func TestOverride(t *testing.T) {
	api := &fakeAPI{}
	out, err := run(t, api, "override", "WD-1", "--action", "force_approve", "--kind", "replace",
		"--operator", "alice", "--reason", "redundancy restored manually")
	require.NoError(t, err)

	require.NotNil(t, api.override)
	assert.Equal(t, "WD-1", api.override.DiskID)
	assert.Equal(t, model.OverrideForceApprove, api.override.Action)
	assert.Equal(t, model.OperationReplace, api.override.Kind)
	assert.Equal(t, "alice", api.override.Operator)
	assert.Contains(t, out, "approve")
	assert.Contains(t, out, "op-2")
}

func TestOverride_RejectsBadInput(t *testing.T) {
	api := &fakeAPI{}

	_, err := run(t, api, "override", "WD-1", "--action", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--action")

	_, err = run(t, api, "override", "WD-1", "--action", "force_deny", "--kind", "shred")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--kind")

	_, err = run(t, api, "override", "--action", "force_deny")
	require.Error(t, err)

	assert.Nil(t, api.override)
}

func TestResolve(t *testing.T) {
	api := &fakeAPI{}
	out, err := run(t, api, "resolve", "WD-1", "--action", "replaced", "--operator", "bob", "--note", "swapped in slot 4")
	require.NoError(t, err)

	assert.Equal(t, model.ResolveReplaced, api.resolve.Action)
	assert.Equal(t, "swapped in slot 4", api.resolve.Note)
	assert.Contains(t, out, "resolved")
}

func TestResolve_NotAccepted(t *testing.T) {
	api := &fakeAPI{ack: &wire.Ack{Accepted: false, Reason: "disk WD-1 is healthy, not error"}}
	_, err := run(t, api, "resolve", "WD-1", "--action", "reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not error")
}
