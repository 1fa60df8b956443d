package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessageDecodeRejectsMissingType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"workspaceId":"ws-1"}`))
	assert.Error(t, err)

	_, err = DecodeClientMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestClientMessageDecodeKeepsUnknownTypes(t *testing.T) {
	// Unknown message types must survive decoding so the router can
	// answer with unknown_action instead of dropping the connection.
	msg, err := DecodeClientMessage([]byte(`{"type":"futureThing","workspaceId":"ws-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "futureThing", msg.Type)
	assert.Equal(t, "ws-1", msg.WorkspaceID)
}

func TestDeltaRoundTripsThroughLogEncoding(t *testing.T) {
	d := Delta{
		Version:  42,
		Mutation: NewSlotCreate("ws-1", "default"),
	}
	data, err := EncodeDelta(d)
	require.NoError(t, err)

	got, err := DecodeDelta(data)
	require.NoError(t, err)
	assert.Equal(t, d.Version, got.Version)
	assert.Equal(t, d.Mutation.Kind, got.Mutation.Kind)
	assert.JSONEq(t, string(d.Mutation.Payload), string(got.Mutation.Payload))
}

func TestUnknownMutationKindRoundTripsUntouched(t *testing.T) {
	raw := []byte(`{"version":7,"mutation":{"kind":"HologramUpdate","workspaceId":"ws-1","payload":{"x":1,"nested":{"y":[1,2,3]}}}}`)

	d, err := DecodeDelta(raw)
	require.NoError(t, err)
	assert.Equal(t, MutationKind("HologramUpdate"), d.Mutation.Kind)

	out, err := EncodeDelta(d)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestSnapshotMessageCarriesProtocolVersion(t *testing.T) {
	st := NewGlobalState()
	st.Version = 9

	frame, err := EncodeServerMessage(NewSnapshotMessage(st.Version, st))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, float64(ProtocolVersion), decoded["protocolVersion"])
	assert.Equal(t, "snapshot", decoded["type"])
	assert.Equal(t, float64(9), decoded["version"])
}

func TestCloneIsolatesNestedStructures(t *testing.T) {
	st := NewGlobalState()
	st.Workspaces["ws-1"] = &Workspace{
		ID:   "ws-1",
		Path: "/tmp/proj",
		Slots: map[string]*Slot{
			"default": {
				ID: "default",
				Messages: []Message{{
					ID:   "m1",
					Role: RoleAssistant,
					Content: []ContentPart{{
						Type: ContentToolCall,
						ToolCall: &ToolCallContent{
							ID: "t1", Name: "bash", Status: ToolStatusRunning,
							Args: json.RawMessage(`{"command":"ls"}`),
						},
					}},
				}},
				ActiveTools: []ToolExecution{{ID: "t1", Name: "bash", Status: ToolStatusRunning}},
				PendingUI:   &PendingUI{ID: "q1", Kind: PendingUIQuestionnaire},
				QueuedMessages: QueuedMessages{
					FollowUp: []string{"and then?"},
				},
			},
		},
		Plans: json.RawMessage(`[{"id":"p1"}]`),
	}
	st.UIState.Drafts = map[string]string{"/tmp/proj": "draft text"}

	clone := st.Clone()

	// Mutating the clone leaves the original untouched.
	clone.Workspaces["ws-1"].Slots["default"].Messages[0].Content[0].ToolCall.Status = ToolStatusComplete
	clone.Workspaces["ws-1"].Slots["default"].ActiveTools[0].Status = ToolStatusError
	clone.Workspaces["ws-1"].Slots["default"].PendingUI.ID = "q2"
	clone.Workspaces["ws-1"].Slots["default"].QueuedMessages.FollowUp[0] = "changed"
	clone.Workspaces["ws-1"].Plans[2] = 'X'
	clone.UIState.Drafts["/tmp/proj"] = "changed"
	clone.Workspaces["ws-2"] = &Workspace{ID: "ws-2"}

	orig := st.Workspaces["ws-1"].Slots["default"]
	assert.Equal(t, ToolStatusRunning, orig.Messages[0].Content[0].ToolCall.Status)
	assert.Equal(t, ToolStatusRunning, orig.ActiveTools[0].Status)
	assert.Equal(t, "q1", orig.PendingUI.ID)
	assert.Equal(t, "and then?", orig.QueuedMessages.FollowUp[0])
	assert.Equal(t, `[{"id":"p1"}]`, string(st.Workspaces["ws-1"].Plans))
	assert.Equal(t, "draft text", st.UIState.Drafts["/tmp/proj"])
	assert.NotContains(t, st.Workspaces, "ws-2")
}

func TestMutationConstructorsScopeCorrectly(t *testing.T) {
	assert.False(t, mustGlobal(NewSlotCreate("ws-1", "default")))
	assert.False(t, mustGlobal(NewPaneUIUpdate("ws-1", PaneUI{})))
	assert.True(t, mustGlobal(NewUIStateUpdate(UIStatePatch{})))
}

func mustGlobal(m Mutation) bool { return m.Global() }
