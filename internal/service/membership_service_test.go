package service

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/model"
)

type recordingRecorder struct {
	mu    sync.Mutex
	nodes []*model.Node
}

func (r *recordingRecorder) TouchNode(ctx context.Context, node *model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, node)
	return nil
}

func member(t *testing.T, meta MemberMeta) *memberlist.Node {
	t.Helper()
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	return &memberlist.Node{Name: meta.NodeID, Addr: net.ParseIP("10.0.0.7"), Port: 7946, Meta: data}
}

func TestMembership_TracksAgents(t *testing.T) {
	recorder := &recordingRecorder{}
	m := metrics.NewCoordinatorMetricsWith(prometheus.NewRegistry())
	svc := newMembershipService(MemberMeta{NodeID: "arbiter-1", Role: RoleArbiter}, recorder, m, zap.NewNop())
	events := &membershipEvents{service: svc}

	events.NotifyJoin(member(t, MemberMeta{NodeID: "node-1", Hostname: "storage-01", Role: RoleAgent, Disks: 12}))
	events.NotifyJoin(member(t, MemberMeta{NodeID: "node-2", Hostname: "storage-02", Role: RoleAgent}))
	events.NotifyJoin(member(t, MemberMeta{NodeID: "arbiter-2", Role: RoleArbiter}))

	assert.Len(t, svc.Members(), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NodesAlive))
	require.Len(t, recorder.nodes, 2)
	assert.Equal(t, "storage-01", recorder.nodes[0].Hostname)
	assert.False(t, recorder.nodes[0].LastSeen.IsZero())

	events.NotifyLeave(member(t, MemberMeta{NodeID: "node-2", Role: RoleAgent}))
	assert.Len(t, svc.Members(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodesAlive))
	assert.Len(t, recorder.nodes, 2)
}

func TestMembership_NodeMeta(t *testing.T) {
	svc := newMembershipService(MemberMeta{NodeID: "node-1", Hostname: "storage-01", Role: RoleAgent}, nil, nil, zap.NewNop())
	svc.SetDiskCount(3)

	var meta MemberMeta
	require.NoError(t, json.Unmarshal(svc.NodeMeta(512), &meta))
	assert.Equal(t, 3, meta.Disks)
	assert.Nil(t, svc.NodeMeta(4))

	// Metadata without JSON falls back to the member name
	(&membershipEvents{service: svc}).NotifyJoin(&memberlist.Node{Name: "node-9", Addr: net.ParseIP("10.0.0.9")})
	members := svc.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "node-9", members[0].NodeID)
}
