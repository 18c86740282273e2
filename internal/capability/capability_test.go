package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-sh/keel/internal/apperrors"
)

func Test_Parse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Capability
		wantErr bool
	}{
		{name: "valid", input: "files.read", want: Capability{Scope: "files", Action: "read"}},
		{name: "valid network", input: "network.connect", want: Capability{Scope: "network", Action: "connect"}},
		{name: "no separator", input: "filesread", wantErr: true},
		{name: "too many parts", input: "files.read.write", wantErr: true},
		{name: "empty scope", input: ".read", wantErr: true},
		{name: "empty action", input: "files.", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "only separator", input: ".", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperrors.ErrFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_Capability_String(t *testing.T) {
	c := Capability{Scope: "files", Action: "read"}
	assert.Equal(t, "files.read", c.String())

	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.True(t, c.Equals(parsed))
}

func Test_Capability_Equals(t *testing.T) {
	a := Capability{Scope: "files", Action: "read"}
	assert.True(t, a.Equals(Capability{Scope: "files", Action: "read"}))
	assert.False(t, a.Equals(Capability{Scope: "files", Action: "write"}))
	assert.False(t, a.Equals(Capability{Scope: "network", Action: "read"}))
}

func Test_Capability_Describe(t *testing.T) {
	assert.Equal(t, "Read files in the workspace", Capability{Scope: "files", Action: "read"}.Describe())
	assert.Equal(t, "Network access: connect", Capability{Scope: "network", Action: "connect"}.Describe())
	assert.Equal(t, "Capability: custom.thing", Capability{Scope: "custom", Action: "thing"}.Describe())
}
