package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetKind(t *testing.T) {
	tests := []struct {
		in      string
		want    TargetKind
		wantErr bool
	}{
		{in: "", want: TargetUnknown},
		{in: "unknown", want: TargetUnknown},
		{in: "chat", want: TargetChat},
		{in: "channel", want: TargetChannel},
		{in: "group", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTargetKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessageTarget_Resolved(t *testing.T) {
	assert.True(t, MessageTarget{ID: "19:a@thread.v2", Kind: TargetChat}.Resolved())
	assert.True(t, MessageTarget{ID: "19:a@thread.tacv2", Kind: TargetChannel, TeamID: "t1"}.Resolved())
	assert.False(t, MessageTarget{ID: "19:a@thread.tacv2", Kind: TargetChannel}.Resolved())
	assert.False(t, MessageTarget{ID: "19:a@thread.v2", Kind: TargetUnknown}.Resolved())
}

func TestNewID(t *testing.T) {
	a := NewID("att")
	b := NewID("att")
	assert.True(t, strings.HasPrefix(a, "att_"))
	assert.NotEqual(t, a, b)
}

func TestNewSecret(t *testing.T) {
	s := NewSecret()
	assert.True(t, strings.HasPrefix(s, "whsec_"))
	assert.Len(t, s, len("whsec_")+40)
}
