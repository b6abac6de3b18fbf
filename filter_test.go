package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMarshalObjectNotation(t *testing.T) {
	f := And(Eq("type", "messaging"), In("members", "alice", "bob"))
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$and":[{"type":{"$eq":"messaging"}},{"members":{"$in":["alice","bob"]}}]}`, string(data))

	data, err = json.Marshal(Filter{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
	assert.True(t, Filter{}.IsZero())
	assert.False(t, Exists("team", false).IsZero())
}

func TestQuerySpecIDIsDeterministic(t *testing.T) {
	a := QuerySpecID(In("members", "alice"), DefaultChannelSort)
	b := QuerySpecID(In("members", "alice"), QuerySort{}.Desc("last_updated"))
	c := QuerySpecID(In("members", "bob"), DefaultChannelSort)
	d := QuerySpecID(In("members", "alice"), QuerySort{}.Asc("last_updated"))

	assert.Equal(t, a, b, "equal filter and sort map to the same id")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestQueryChannelsSpecSetSemantics(t *testing.T) {
	spec := NewQueryChannelsSpec(Eq("type", "messaging"), nil)
	spec = spec.WithCIDs("messaging:a", "messaging:b", "messaging:a")
	assert.Equal(t, []string{"messaging:a", "messaging:b"}, spec.CIDs)

	without := spec.WithoutCIDs("messaging:a", "messaging:zzz")
	assert.Equal(t, []string{"messaging:b"}, without.CIDs)
	assert.Equal(t, []string{"messaging:a", "messaging:b"}, spec.CIDs, "WithoutCIDs returns a copy")
	assert.True(t, spec.Contains("messaging:a"))
	assert.False(t, without.Contains("messaging:a"))
}

func TestDefaultSortUsesLastUpdated(t *testing.T) {
	older := testChannel("messaging:older", time.Minute)
	newer := testChannel("messaging:newer", time.Hour)
	fresh := NewChannel("messaging:fresh")
	fresh.CreatedAt = timeAt(2 * time.Hour)

	channels := []Channel{older, fresh, newer}
	DefaultChannelSort.SortChannels(channels)

	got := []string{channels[0].CID, channels[1].CID, channels[2].CID}
	assert.Equal(t, []string{"messaging:fresh", "messaging:newer", "messaging:older"}, got)
}

func TestSortTieBreaksOnCID(t *testing.T) {
	a := testChannel("messaging:a", time.Minute)
	b := testChannel("messaging:b", time.Minute)
	channels := []Channel{b, a}
	QuerySort{}.Desc("last_message_at").SortChannels(channels)
	assert.Equal(t, "messaging:a", channels[0].CID)
}

func TestSortByExtraField(t *testing.T) {
	a := NewChannel("messaging:a")
	a.Extra = map[string]any{"priority": 2.0}
	b := NewChannel("messaging:b")
	b.Extra = map[string]any{"priority": 5.0}
	c := NewChannel("messaging:c")

	channels := []Channel{b, c, a}
	QuerySort{}.Asc("priority").SortChannels(channels)
	assert.Equal(t, "messaging:c", channels[0].CID, "missing values sort first")
	assert.Equal(t, "messaging:a", channels[1].CID)
	assert.Equal(t, "messaging:b", channels[2].CID)
}

func TestSplitCID(t *testing.T) {
	typ, id, ok := SplitCID("messaging:general")
	assert.True(t, ok)
	assert.Equal(t, "messaging", typ)
	assert.Equal(t, "general", id)

	_, _, ok = SplitCID("general")
	assert.False(t, ok)
	assert.Equal(t, "team:x", CID("team", "x"))
}
