// internal/nodeid/parser_test.go
package nodeid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name         string
		rawID        string
		expectErr    bool
		expectedAddr Address
	}{
		{name: "single stage", rawID: "create-release", expectedAddr: New("create-release")},
		{name: "per-target stage", rawID: "build[linux/amd64]", expectedAddr: ForTarget("build", "linux/amd64")},
		{name: "dotted target", rawID: "upload[windows-arm64.v2]", expectedAddr: ForTarget("upload", "windows-arm64.v2")},
		{name: "error - empty", rawID: "", expectErr: true},
		{name: "error - empty brackets", rawID: "build[]", expectErr: true},
		{name: "error - unterminated", rawID: "build[linux", expectErr: true},
		{name: "error - space", rawID: "build x", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := Parse(tc.rawID)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedAddr, addr)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, raw := range []string{"build[darwin/arm64]", "create-release", "upload[A]"} {
		addr := MustParse(raw)
		assert.Equal(t, raw, addr.String())
		assert.True(t, addr.Equal(MustParse(addr.String())))
	}
	assert.False(t, New("build").HasTarget())
	assert.True(t, ForTarget("build", "A").HasTarget())
}
