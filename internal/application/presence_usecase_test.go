package application

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/presence/internal/domain/entity"
	presenceErr "github.com/EthanQC/presence/pkg/errors"
)

type fixture struct {
	conns      *memConnRepo
	users      *memStatusRepo
	membership *fakeMembership
	bus        *recordingBus
	uc         *PresenceUseCaseImpl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conns:      newMemConnRepo(),
		users:      newMemStatusRepo(),
		membership: &fakeMembership{},
		bus:        &recordingBus{},
	}
	uc, err := NewPresenceUseCase(f.conns, f.users, f.membership, f.bus, Options{RecomputeWorkers: 4})
	require.NoError(t, err)
	t.Cleanup(uc.Close)
	f.uc = uc
	return f
}

func (f *fixture) addUser(t *testing.T, uid string) {
	t.Helper()
	require.NoError(t, f.users.EnsureUser(context.Background(), uid, "name-"+uid))
}

func TestOnConnect_BroadcastsOnlineOnce(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	res, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, "c1", res.ConnectionID)

	assert.Equal(t, entity.PresenceStatusOnline, f.users.status("u1"))
	require.Equal(t, 1, f.bus.count())
	assert.Equal(t, entity.TopicPresenceStatus, f.bus.topics[0])
	ev := f.bus.last()
	assert.Equal(t, "u1", ev.User.ID)
	assert.Equal(t, "name-u1", ev.User.Username)
	assert.Equal(t, entity.PresenceStatusOnline, ev.User.Status)

	// 重复上线同一个连接是幂等的
	_, err = f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.conns.count("u1"))
	assert.Equal(t, 1, f.bus.count())

	// 第二个连接不改变聚合状态
	_, err = f.uc.OnConnect(ctx, "u1", "c2", "node2")
	require.NoError(t, err)
	assert.Equal(t, 1, f.bus.count())
}

func TestOnConnect_RejectsEmptyIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.uc.OnConnect(context.Background(), "u1", "", "node1")
	assert.ErrorIs(t, err, presenceErr.ErrEmptyID)
}

func TestOnConnect_UnknownUserDoesNotBroadcast(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.OnConnect(context.Background(), "ghost", "c1", "node1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.conns.count("ghost"))
	assert.Equal(t, 0, f.bus.count())
}

func TestOnConnect_MovedConnectionRecomputesPreviousOwner(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	f.addUser(t, "u2")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)
	require.Equal(t, entity.PresenceStatusOnline, f.users.status("u1"))

	_, err = f.uc.OnConnect(ctx, "u2", "c1", "node1")
	require.NoError(t, err)

	assert.Equal(t, 0, f.conns.count("u1"))
	assert.Equal(t, 1, f.conns.count("u2"))
	assert.Equal(t, entity.PresenceStatusOffline, f.users.status("u1"))
	assert.Equal(t, entity.PresenceStatusOnline, f.users.status("u2"))

	require.Equal(t, 3, f.bus.count())
	ev := f.bus.last()
	assert.Equal(t, "u1", ev.User.ID)
	assert.Equal(t, entity.PresenceStatusOffline, ev.User.Status)
}

func TestOnDisconnect_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)
	require.Equal(t, 1, f.bus.count())

	res, err := f.uc.OnDisconnect(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, entity.PresenceStatusOffline, f.users.status("u1"))
	assert.Equal(t, 2, f.bus.count())
	assert.Equal(t, entity.PresenceStatusOffline, f.bus.last().User.Status)

	res, err = f.uc.OnDisconnect(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.Equal(t, entity.PresenceStatusOffline, f.users.status("u1"))
	assert.Equal(t, 2, f.bus.count())
}

func TestSetConnectionStatus_NoBroadcastWhenResolvedUnchanged(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "a", "node1")
	require.NoError(t, err)
	_, err = f.uc.OnConnect(ctx, "u1", "b", "node1")
	require.NoError(t, err)
	require.Equal(t, 1, f.bus.count())

	changed, err := f.uc.SetConnectionStatus(ctx, "u1", "b", entity.PresenceStatusAway)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, f.bus.count())
	assert.Equal(t, entity.PresenceStatusOnline, f.users.status("u1"))

	// a 也变成 busy 后，b(away) 成为最高优先级
	changed, err = f.uc.SetConnectionStatus(ctx, "u1", "a", entity.PresenceStatusBusy)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, f.bus.count())
	assert.Equal(t, entity.PresenceStatusAway, f.bus.last().User.Status)

	user, err := f.users.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "b", user.StatusConnection)
}

func TestSetConnectionStatus_UnknownConnection(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")

	changed, err := f.uc.SetConnectionStatus(context.Background(), "u1", "missing", entity.PresenceStatusAway)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, f.bus.count())
}

func TestSetConnectionStatus_InvalidStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.uc.SetConnectionStatus(context.Background(), "u1", "c1", "sleeping")
	assert.ErrorIs(t, err, presenceErr.ErrInvalidStatus)
}

func TestSetUserDefaultStatus_InvisibleOverride(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)

	text := "in a meeting"
	changed, err := f.uc.SetUserDefaultStatus(ctx, "u1", entity.PresenceStatusOffline, &text)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, entity.PresenceStatusOffline, f.users.status("u1"))
	ev := f.bus.last()
	assert.Equal(t, entity.PresenceStatusOffline, ev.User.Status)
	assert.Equal(t, "in a meeting", ev.User.StatusText)

	// 同样的设置不再广播
	before := f.bus.count()
	changed, err = f.uc.SetUserDefaultStatus(ctx, "u1", entity.PresenceStatusOffline, &text)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, f.bus.count())

	changed, err = f.uc.SetUserDefaultStatus(ctx, "u1", entity.PresenceStatusOnline, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, entity.PresenceStatusOnline, f.users.status("u1"))
	assert.Equal(t, "in a meeting", f.bus.last().User.StatusText)
}

func TestSetUserDefaultStatus_UnknownUser(t *testing.T) {
	f := newFixture(t)

	changed, err := f.uc.SetUserDefaultStatus(context.Background(), "ghost", entity.PresenceStatusBusy, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, f.bus.count())
}

func TestStoreFailure_NoBroadcast(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	f.users.updateErr = errors.New("mysql down")

	_, err := f.uc.OnConnect(context.Background(), "u1", "c1", "node1")
	require.Error(t, err)
	assert.Equal(t, 0, f.bus.count())
}

func TestOnNodeLost_RecomputesFromRemainingConnections(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "U")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "U", "A", "node1")
	require.NoError(t, err)
	_, err = f.uc.OnConnect(ctx, "U", "B", "node2")
	require.NoError(t, err)
	_, err = f.uc.SetConnectionStatus(ctx, "U", "B", entity.PresenceStatusAway)
	require.NoError(t, err)
	before := f.bus.count()

	affected, err := f.uc.OnNodeLost(ctx, "node1")
	require.NoError(t, err)
	assert.Equal(t, []string{"U"}, affected)

	assert.Equal(t, before+1, f.bus.count())
	assert.Equal(t, entity.PresenceStatusAway, f.bus.last().User.Status)
	assert.Equal(t, 1, f.conns.count("U"))

	// 紧接着做一次对账，不应再清理任何连接
	f.membership.nodes = []entity.ClusterNode{{ID: "node2", Available: true}}
	affected, err = f.uc.ReconcileAgainstLiveMembership(ctx)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Equal(t, before+1, f.bus.count())
}

func TestOnNodeLost_NoConnections(t *testing.T) {
	f := newFixture(t)

	affected, err := f.uc.OnNodeLost(context.Background(), "node9")
	require.NoError(t, err)
	assert.NotNil(t, affected)
	assert.Empty(t, affected)
}

func TestOnNodeLost_ManyUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, uid := range []string{"u1", "u2", "u3", "u4", "u5"} {
		f.addUser(t, uid)
		_, err := f.uc.OnConnect(ctx, uid, "c-"+uid, "node1")
		require.NoError(t, err)
	}
	require.Equal(t, 5, f.bus.count())

	affected, err := f.uc.OnNodeLost(ctx, "node1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3", "u4", "u5"}, affected)
	assert.Equal(t, 10, f.bus.count())
	for _, uid := range affected {
		assert.Equal(t, entity.PresenceStatusOffline, f.users.status(uid))
	}
}

func TestOnNodeLost_RecomputesUsersConnectedDuringRemoval(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	f.addUser(t, "u2")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)

	// u2 的连接在节点离开时刚好落到该节点上
	f.conns.beforeNodeRemoval = func(conns map[string][]entity.Connection) {
		conns["u2"] = append(conns["u2"], entity.NewConnection("c2", "node1"))
	}
	f.users.users["u2"].Status = entity.PresenceStatusOnline

	affected, err := f.uc.OnNodeLost(ctx, "node1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, affected)
	assert.Equal(t, 0, f.conns.count("u2"))
	assert.Equal(t, entity.PresenceStatusOffline, f.users.status("u2"))
}

func TestReconcile_MembershipUnavailableIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)
	before := f.bus.count()

	f.membership.err = errMembershipDown
	affected, err := f.uc.ReconcileAgainstLiveMembership(ctx)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Equal(t, 1, f.conns.count("u1"))
	assert.Equal(t, entity.PresenceStatusOnline, f.users.status("u1"))
	assert.Equal(t, before, f.bus.count())

	// 成员列表为空同样视为未知
	f.membership.err = nil
	f.membership.nodes = []entity.ClusterNode{{ID: "node1", Available: false}}
	affected, err = f.uc.ReconcileAgainstLiveMembership(ctx)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Equal(t, 1, f.conns.count("u1"))
}

func TestReconcile_PrunesOrphanedConnections(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	f.addUser(t, "u2")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "dead")
	require.NoError(t, err)
	_, err = f.uc.OnConnect(ctx, "u2", "c2", "alive")
	require.NoError(t, err)
	require.Equal(t, 2, f.bus.count())

	f.membership.nodes = []entity.ClusterNode{
		{ID: "alive", Available: true},
		{ID: "dead", Available: false},
	}
	affected, err := f.uc.ReconcileAgainstLiveMembership(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, affected)
	assert.Equal(t, entity.PresenceStatusOffline, f.users.status("u1"))
	assert.Equal(t, entity.PresenceStatusOnline, f.users.status("u2"))
	assert.Equal(t, 3, f.bus.count())

	affected, err = f.uc.ReconcileAgainstLiveMembership(ctx)
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Equal(t, 3, f.bus.count())
}

func TestReconcile_PrunedMetricCountsConnections(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	for _, c := range []string{"c1", "c2", "c3"} {
		_, err := f.uc.OnConnect(ctx, "u1", c, "dead")
		require.NoError(t, err)
	}
	f.membership.nodes = []entity.ClusterNode{{ID: "alive", Available: true}}

	pruned := prunedCounter.WithLabelValues("reconcile")
	before := testutil.ToFloat64(pruned)

	affected, err := f.uc.ReconcileAgainstLiveMembership(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, affected)
	assert.Equal(t, before+3, testutil.ToFloat64(pruned))
}

func TestGetPresence(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1")
	ctx := context.Background()

	_, err := f.uc.OnConnect(ctx, "u1", "c1", "node1")
	require.NoError(t, err)

	p, err := f.uc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, entity.PresenceStatusOnline, p.User.Status)
	assert.Len(t, p.Connections, 1)

	p, err = f.uc.GetPresence(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)
}
