package adapters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTicketIssuerIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewTicketIssuer("super-secret", "rtm", time.Minute)

	ticket, expiresAt, err := issuer.Issue("task-1", "subtask-1", "node-1")
	require.NoError(t, err)
	require.NotEmpty(t, ticket)
	require.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, time.Second)

	claims, err := issuer.Verify(ticket)
	require.NoError(t, err)
	require.Equal(t, "task-1", claims.TaskID)
	require.Equal(t, "subtask-1", claims.SubtaskID)
	require.Equal(t, "node-1", claims.NodeID)
}

func TestTicketIssuerRejectsForeignSigningKey(t *testing.T) {
	issuer := NewTicketIssuer("super-secret", "rtm", time.Minute)
	ticket, _, err := issuer.Issue("task-1", "subtask-1", "node-1")
	require.NoError(t, err)

	other := NewTicketIssuer("different-secret", "rtm", time.Minute)
	_, err = other.Verify(ticket)
	require.Error(t, err)
}

func TestTicketIssuerRejectsExpiredTicket(t *testing.T) {
	issuer := NewTicketIssuer("super-secret", "rtm", -time.Minute)
	ticket, _, err := issuer.Issue("task-1", "subtask-1", "node-1")
	require.NoError(t, err)

	_, err = issuer.Verify(ticket)
	require.Error(t, err)
}

func TestNewTicketIssuerDefaultsTTL(t *testing.T) {
	issuer := NewTicketIssuer("super-secret", "rtm", 0)
	require.Equal(t, time.Hour, issuer.ttl)
}

func TestIssueFailsWithoutSecret(t *testing.T) {
	issuer := NewTicketIssuer("", "rtm", time.Minute)
	_, _, err := issuer.Issue("task-1", "subtask-1", "node-1")
	require.Error(t, err)
}
