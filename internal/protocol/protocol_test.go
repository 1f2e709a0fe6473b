package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/vdom"
)

func TestEncodeAppend(t *testing.T) {
	old, err := vdom.Build("<ul><li>a</li><li>b</li><li>c</li></ul>")
	require.NoError(t, err)
	cur, err := vdom.Rebuild(old, "<ul><li>a</li><li>b</li><li>c</li><li>d</li></ul>")
	require.NoError(t, err)

	data, err := Marshal(Encode(vdom.Diff(old, cur), 2))
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"patch","version":2,"patches":[{"type":"InsertChild","path":[0],"id":"1","position":3,"html":"<li>d</li>"}]}`,
		string(data))
}

func TestWireFields(t *testing.T) {
	tests := []struct {
		name  string
		patch vdom.Patch
		want  string
	}{
		{
			name:  "insert at zero keeps position",
			patch: vdom.Patch{Op: vdom.OpInsertChild, Path: []int{}, Target: "0", Index: 0, HTML: "<p>x</p>"},
			want:  `{"type":"InsertChild","path":[],"id":"0","position":0,"html":"<p>x</p>"}`,
		},
		{
			name:  "remove",
			patch: vdom.Patch{Op: vdom.OpRemoveChild, Path: []int{1}, Target: "4", Index: 2},
			want:  `{"type":"RemoveChild","path":[1],"id":"4","position":2}`,
		},
		{
			name:  "empty text is still a value",
			patch: vdom.Patch{Op: vdom.OpReplaceText, Path: []int{0, 0}, Target: "2"},
			want:  `{"type":"ReplaceText","path":[0,0],"id":"2","value":""}`,
		},
		{
			name:  "set attribute",
			patch: vdom.Patch{Op: vdom.OpSetAttr, Path: []int{0}, Target: "1", Name: "class", Value: "on"},
			want:  `{"type":"SetAttr","path":[0],"id":"1","name":"class","value":"on"}`,
		},
		{
			name:  "remove attribute",
			patch: vdom.Patch{Op: vdom.OpSetAttr, Path: []int{0}, Target: "1", Name: "hidden", Remove: true},
			want:  `{"type":"SetAttr","path":[0],"id":"1","name":"hidden","remove":true}`,
		},
		{
			name:  "move",
			patch: vdom.Patch{Op: vdom.OpMoveChild, Target: "1", From: 2, To: 0},
			want:  `{"type":"MoveChild","path":[],"id":"1","from":2,"to":0}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(Encode([]vdom.Patch{tt.patch}, 7))
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"patch","version":7,"patches":[`+tt.want+`]}`, string(data))

			msg, err := Unmarshal(data)
			require.NoError(t, err)
			back, err := msg.Decode()
			require.NoError(t, err)
			want := tt.patch
			if want.Path == nil {
				want.Path = []int{}
			}
			if d := cmp.Diff([]vdom.Patch{want}, back); d != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestEncodeKeepsOrder(t *testing.T) {
	patches := []vdom.Patch{
		{Op: vdom.OpRemoveChild, Path: []int{0}, Index: 3},
		{Op: vdom.OpRemoveChild, Path: []int{0}, Index: 1},
		{Op: vdom.OpInsertChild, Path: []int{0}, Index: 0, HTML: "<i></i>"},
	}
	msg := Encode(patches, 3)
	require.Len(t, msg.Patches, 3)
	assert.Equal(t, 3, *msg.Patches[0].Position)
	assert.Equal(t, 1, *msg.Patches[1].Position)
	assert.Equal(t, "InsertChild", msg.Patches[2].Type)

	empty, err := Marshal(Encode(nil, 4))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"patch","version":4,"patches":[]}`, string(empty))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"reload"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{`))
	assert.Error(t, err)

	for _, raw := range []string{
		`{"type":"patch","version":1,"patches":[{"type":"InsertChild","path":[]}]}`,
		`{"type":"patch","version":1,"patches":[{"type":"MoveChild","path":[],"from":1}]}`,
		`{"type":"patch","version":1,"patches":[{"type":"Teleport","path":[]}]}`,
	} {
		msg, err := Unmarshal([]byte(raw))
		require.NoError(t, err)
		_, err = msg.Decode()
		assert.Error(t, err, raw)
	}
}
