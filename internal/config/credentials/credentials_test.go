package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
)

func env(vars map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestFromConfig(t *testing.T) {
	store, err := FromConfig([]config.CredentialConfig{
		{Key: "b", Payload: map[string]string{"token": "${B_TOKEN}", "region": "eu"}},
		{Key: "a", Handle: "alice"},
	}, env(map[string]string{"B_TOKEN": "secret"}))
	require.NoError(t, err)

	all := store.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Key)
	assert.Equal(t, "alice", all[0].Handle)
	assert.Equal(t, "b", all[1].Handle, "handle defaults to the key")

	b, err := store.GetCredential("b")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "secret", "region": "eu"}, b.Payload)

	_, err = store.GetCredential("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		entries []config.CredentialConfig
		errMsg  string
	}{
		{
			name:    "unset variable",
			entries: []config.CredentialConfig{{Key: "a", Payload: map[string]string{"t": "${NOPE}"}}},
			errMsg:  "NOPE",
		},
		{
			name:    "duplicate key",
			entries: []config.CredentialConfig{{Key: "a"}, {Key: "a"}},
			errMsg:  "duplicate",
		},
		{
			name:    "empty key",
			entries: []config.CredentialConfig{{Handle: "x"}},
			errMsg:  "without key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.entries, env(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
