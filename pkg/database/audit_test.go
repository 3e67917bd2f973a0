package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditSinkRecordsModeration(t *testing.T) {
	db := newTestDB(t)
	sink := NewAuditSink(db)

	sink.UserJoined("alice", "127.0.0.1")
	sink.PublicMessage("alice", "hello")
	sink.PrivateMessage("alice", "bob", "secret")
	sink.RateLimitWarning("alice", 2)
	sink.RateLimitMute("alice", 30*time.Second)
	sink.RateLimitKick("alice")
	sink.UserLeft("alice", "127.0.0.1")
	sink.SystemEvent("Server started on 127.0.0.1:5000")
	require.NoError(t, db.Events.Flush())

	events, err := db.ListEvents(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 6, "chat content is not stored")

	// Oldest last
	kinds := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		kinds = append(kinds, events[i].Kind)
	}
	assert.Equal(t, []string{KindJoin, KindWarning, KindMute, KindKick, KindLeave, KindSystem}, kinds)

	warning, err := db.ListEvents(Filter{Kind: KindWarning})
	require.NoError(t, err)
	assert.Equal(t, "warning #2", warning[0].Detail)

	mute, err := db.ListEvents(Filter{Kind: KindMute})
	require.NoError(t, err)
	assert.Equal(t, "30s", mute[0].Detail)

	join, err := db.ListEvents(Filter{Kind: KindJoin})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", join[0].Peer)
}
