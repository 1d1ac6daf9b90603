package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/EthanQC/presence/internal/domain/entity"
)

func conn(id string, status entity.PresenceStatus) entity.Connection {
	return entity.Connection{ID: id, NodeID: "node1", Status: status}
}

func TestResolveStatus_Precedence(t *testing.T) {
	conns := []entity.Connection{
		conn("1", entity.PresenceStatusBusy),
		conn("2", entity.PresenceStatusOnline),
	}

	status, source := ResolveStatus(conns, entity.PresenceStatusAway)

	assert.Equal(t, entity.PresenceStatusOnline, status)
	assert.Equal(t, "2", source)
}

func TestResolveStatus_OfflineDefaultOverridesConnections(t *testing.T) {
	conns := []entity.Connection{
		conn("1", entity.PresenceStatusOnline),
		conn("2", entity.PresenceStatusAway),
	}

	status, source := ResolveStatus(conns, entity.PresenceStatusOffline)

	assert.Equal(t, entity.PresenceStatusOffline, status)
	assert.Empty(t, source)
}

func TestResolveStatus_NoConnections(t *testing.T) {
	for _, def := range []entity.PresenceStatus{
		entity.PresenceStatusOnline,
		entity.PresenceStatusAway,
		entity.PresenceStatusBusy,
		entity.PresenceStatusOffline,
	} {
		status, source := ResolveStatus(nil, def)
		assert.Equal(t, entity.PresenceStatusOffline, status, "default %s", def)
		assert.Empty(t, source)
	}
}

func TestResolveStatus_TieBreaksOnSequenceOrder(t *testing.T) {
	conns := []entity.Connection{
		conn("a", entity.PresenceStatusAway),
		conn("b", entity.PresenceStatusAway),
		conn("c", entity.PresenceStatusBusy),
	}

	status, source := ResolveStatus(conns, entity.PresenceStatusOnline)

	assert.Equal(t, entity.PresenceStatusAway, status)
	assert.Equal(t, "a", source)
}

func TestResolveStatus_AllConnectionsOffline(t *testing.T) {
	conns := []entity.Connection{
		conn("a", entity.PresenceStatusOffline),
		conn("b", entity.PresenceStatusOffline),
	}

	status, source := ResolveStatus(conns, entity.PresenceStatusOnline)

	assert.Equal(t, entity.PresenceStatusOffline, status)
	assert.Empty(t, source)
}

func TestResolveStatus_Deterministic(t *testing.T) {
	conns := []entity.Connection{
		conn("x", entity.PresenceStatusBusy),
		conn("y", entity.PresenceStatusAway),
		conn("z", entity.PresenceStatusAway),
	}

	s1, c1 := ResolveStatus(conns, entity.PresenceStatusBusy)
	s2, c2 := ResolveStatus(conns, entity.PresenceStatusBusy)

	assert.Equal(t, s1, s2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, entity.PresenceStatusAway, s1)
	assert.Equal(t, "y", c1)
}

func TestPrecedence(t *testing.T) {
	assert.Greater(t, Precedence(entity.PresenceStatusOnline), Precedence(entity.PresenceStatusAway))
	assert.Greater(t, Precedence(entity.PresenceStatusAway), Precedence(entity.PresenceStatusBusy))
	assert.Greater(t, Precedence(entity.PresenceStatusBusy), Precedence(entity.PresenceStatusOffline))
	assert.Equal(t, 0, Precedence("unknown"))
}
