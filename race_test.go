package main

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(capacity int) *Registry {
	return newRegistry(&Config{roomCapacity: capacity})
}

func newTestClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan any, 32),
	}
}

// drain empties a client's send buffer and returns everything queued so far.
func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func rosterCounts(msgs []any) []int {
	var counts []int
	for _, msg := range msgs {
		if update, ok := msg.(RoomUpdateMessage); ok {
			counts = append(counts, len(update.Players))
		}
	}
	return counts
}

func TestCreateRoomUniqueIDs(t *testing.T) {
	reg := newTestRegistry(6)
	format := regexp.MustCompile(`^[a-z0-9]{6}$`)

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := reg.createRoom(newTestClient("c"))

		assert.Regexp(t, format, id)
		assert.False(t, ids[id], "room id %q returned twice", id)
		ids[id] = true
	}
}

func TestCreateRoomLeavesCurrentRoom(t *testing.T) {
	reg := newTestRegistry(6)
	creator := newTestClient("creator")
	peer := newTestClient("peer")

	first := reg.createRoom(creator)
	require.NoError(t, reg.joinRoom(first, peer))
	drain(peer)

	second := reg.createRoom(creator)

	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{"peer"}, reg.listMembers(first))
	assert.Equal(t, []string{"creator"}, reg.listMembers(second))

	// The old room saw the departure.
	assert.Equal(t, []int{1}, rosterCounts(drain(peer)))
}

func TestJoinRoom(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(reg *Registry) (roomID string, joiner *Client)
		wantErr error
	}{
		{
			name: "unknown room",
			setup: func(reg *Registry) (string, *Client) {
				return "zzzzzz", newTestClient("joiner")
			},
			wantErr: errRoomNotFound,
		},
		{
			name: "room at capacity",
			setup: func(reg *Registry) (string, *Client) {
				roomID := reg.createRoom(newTestClient("c0"))
				for i := 0; i < 5; i++ {
					require.NoError(t, reg.joinRoom(roomID, newTestClient(string(rune('1'+i)))))
				}
				return roomID, newTestClient("seventh")
			},
			wantErr: errRoomFull,
		},
		{
			name: "already in a room",
			setup: func(reg *Registry) (string, *Client) {
				joiner := newTestClient("joiner")
				roomID := reg.createRoom(newTestClient("c0"))
				require.NoError(t, reg.joinRoom(roomID, joiner))
				return roomID, joiner
			},
			wantErr: errAlreadyInRoom,
		},
		{
			name: "success",
			setup: func(reg *Registry) (string, *Client) {
				return reg.createRoom(newTestClient("c0")), newTestClient("joiner")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(6)
			roomID, joiner := tt.setup(reg)

			err := reg.joinRoom(roomID, joiner)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
				assert.Contains(t, reg.listMembers(roomID), joiner.id)
			}
		})
	}
}

func TestJoinRoomFullNeverAdmitsSeventh(t *testing.T) {
	reg := newTestRegistry(6)
	roomID := reg.createRoom(newTestClient("c0"))
	for i := 1; i < 6; i++ {
		require.NoError(t, reg.joinRoom(roomID, newTestClient(string(rune('0'+i)))))
	}
	require.Len(t, reg.listMembers(roomID), 6)

	for i := 0; i < 10; i++ {
		err := reg.joinRoom(roomID, newTestClient("late"))

		assert.ErrorIs(t, err, errRoomFull)
		assert.Len(t, reg.listMembers(roomID), 6)
	}
}

func TestListMembersUnknownRoom(t *testing.T) {
	reg := newTestRegistry(6)

	assert.Empty(t, reg.listMembers("zzzzzz"))
}

func TestDetach(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	bob := newTestClient("bob")

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, bob))
	drain(alice)
	drain(bob)

	reg.detach(bob)

	assert.NotContains(t, reg.listMembers(roomID), "bob")

	// Remaining member gets exactly one roster update reflecting the removal.
	updates := rosterCounts(drain(alice))
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0])

	// The departing connection is not a broadcast destination.
	assert.Empty(t, drain(bob))

	// Detaching again is a no-op.
	reg.detach(bob)
	assert.Empty(t, drain(alice))
}

func TestDetachDeletesEmptyRoom(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")

	roomID := reg.createRoom(alice)
	reg.detach(alice)

	assert.Empty(t, reg.listMembers(roomID))
	assert.ErrorIs(t, reg.joinRoom(roomID, newTestClient("bob")), errRoomNotFound)
}

func TestStartRace(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	bob := newTestClient("bob")

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, bob))
	drain(alice)
	drain(bob)

	reg.startRace(roomID, 5)

	for _, c := range []*Client{alice, bob} {
		msgs := drain(c)
		require.Len(t, msgs, 1, "client %s", c.id)

		start, ok := msgs[0].(RaceStartMessage)
		require.True(t, ok)
		assert.Equal(t, uint64(1), start.Session)
		assert.Len(t, start.Words, 5)
		for _, word := range start.Words {
			assert.Contains(t, raceWords, word)
		}
	}
}

func TestStartRaceSupersedesActiveSession(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")

	roomID := reg.createRoom(alice)
	drain(alice)

	reg.startRace(roomID, 5)
	first := reg.rooms[roomID].session
	reg.reportProgress(roomID, alice, 0.5)

	reg.startRace(roomID, 5)
	second := reg.rooms[roomID].session

	assert.Equal(t, raceCompleted, first.state)
	assert.Equal(t, raceActive, second.state)
	assert.Equal(t, uint64(2), second.seq)
	assert.Empty(t, second.progress, "superseded progress must be discarded")
}

func TestStartRaceUnknownRoom(t *testing.T) {
	reg := newTestRegistry(6)

	// Must not panic or create a room as a side effect.
	reg.startRace("zzzzzz", 5)

	assert.Empty(t, reg.rooms)
}

func TestProgressRelayExcludesSender(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	bob := newTestClient("bob")
	carol := newTestClient("carol")

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, bob))
	require.NoError(t, reg.joinRoom(roomID, carol))
	reg.startRace(roomID, 5)
	for _, c := range []*Client{alice, bob, carol} {
		drain(c)
	}

	reg.reportProgress(roomID, alice, 0.5)

	assert.Empty(t, drain(alice), "progress echoed back to sender")

	for _, c := range []*Client{bob, carol} {
		msgs := drain(c)
		require.Len(t, msgs, 1, "client %s", c.id)

		progress, ok := msgs[0].(OpponentProgressMessage)
		require.True(t, ok)
		assert.Equal(t, "alice", progress.ID)
		assert.Equal(t, 0.5, progress.Progress)
	}
}

func TestFinishRelayExcludesSender(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	bob := newTestClient("bob")

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, bob))
	reg.startRace(roomID, 5)
	drain(alice)
	drain(bob)

	result := RaceResult{WordsPerMinute: 62, Accuracy: 0.95, AuxiliaryMetric: 9}
	reg.reportFinish(roomID, alice, result)

	assert.Empty(t, drain(alice), "finish echoed back to sender")

	msgs := drain(bob)
	require.Len(t, msgs, 1)

	finished, ok := msgs[0].(PlayerFinishedMessage)
	require.True(t, ok)
	assert.Equal(t, "alice", finished.ID)
	assert.Equal(t, result, finished.Result)
}

func TestRosterBroadcastIncludesEveryMember(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	bob := newTestClient("bob")

	roomID := reg.createRoom(alice)
	drain(alice)

	require.NoError(t, reg.joinRoom(roomID, bob))

	// Both the joiner and the existing member see the new roster.
	for _, c := range []*Client{alice, bob} {
		updates := rosterCounts(drain(c))
		require.Len(t, updates, 1, "client %s", c.id)
		assert.Equal(t, 2, updates[0])
	}
}

func TestProgressRecordedOnActiveSession(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")

	roomID := reg.createRoom(alice)
	reg.startRace(roomID, 5)

	reg.reportProgress(roomID, alice, 0.25)
	reg.reportProgress(roomID, alice, 0.75)

	// Last-known fraction, unvalidated.
	reg.reportProgress(roomID, alice, 0.5)

	assert.Equal(t, 0.5, reg.rooms[roomID].session.progress["alice"])
}

// Full race flow: create, join, start, progress, disconnect.
func TestRaceScenario(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	bob := newTestClient("bob")

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, bob))

	counts := rosterCounts(drain(alice))
	require.NotEmpty(t, counts)
	assert.Equal(t, 2, counts[len(counts)-1])
	assert.Equal(t, []int{2}, rosterCounts(drain(bob)))

	reg.startRace(roomID, 5)

	for _, c := range []*Client{alice, bob} {
		msgs := drain(c)
		require.Len(t, msgs, 1, "client %s", c.id)

		start, ok := msgs[0].(RaceStartMessage)
		require.True(t, ok)
		assert.Len(t, start.Words, 5)
	}

	reg.reportProgress(roomID, alice, 0.5)

	assert.Empty(t, drain(alice))
	bobMsgs := drain(bob)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, OpponentProgressMessage{
		Type:     "opponent-progress",
		ID:       "alice",
		Progress: 0.5,
	}, bobMsgs[0])

	reg.detach(bob)

	assert.Equal(t, []int{1}, rosterCounts(drain(alice)))
	assert.Empty(t, drain(bob))
}

func TestBroadcastDropsSaturatedClients(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	stuck := &Client{
		id:   "stuck",
		send: make(chan any, 2), // nobody reading
	}

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, stuck))
	drain(alice)

	// The join ack and roster update filled stuck's buffer; the race-start
	// can't be queued, so stuck is dropped instead of blocking the registry.
	reg.startRace(roomID, 5)

	assert.Equal(t, []string{"alice"}, reg.listMembers(roomID))

	// The pending messages are still readable; the channel stays open for
	// the read pump to tear down.
	msgs := drain(stuck)
	assert.Len(t, msgs, 2)
}

func TestEvictedClientRequestsDoNotPanic(t *testing.T) {
	reg := newTestRegistry(6)
	alice := newTestClient("alice")
	stuck := &Client{
		id:   "stuck",
		send: make(chan any, 2),
	}

	roomID := reg.createRoom(alice)
	require.NoError(t, reg.joinRoom(roomID, stuck))
	drain(alice)

	reg.startRace(roomID, 5)
	require.Equal(t, []string{"alice"}, reg.listMembers(roomID))

	// A frame read before the eviction may still be in flight; its ack must
	// go through the usual path instead of blowing up the registry.
	drain(stuck)
	var second string
	require.NotPanics(t, func() {
		second = reg.createRoom(stuck)
	})
	assert.Equal(t, []string{"stuck"}, reg.listMembers(second))

	msgs := drain(stuck)
	require.NotEmpty(t, msgs)
	created, ok := msgs[0].(RoomCreatedMessage)
	require.True(t, ok)
	assert.Equal(t, second, created.Room)
}
