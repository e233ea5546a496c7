package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/relgrid/internal/errs"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw        string
		wantErr    bool
		prerelease bool
	}{
		{raw: "v1.2.3"},
		{raw: "1.2.3"},
		{raw: "v2.0.0-rc.1", prerelease: true},
		{raw: "v1.0.0+build.5"},
		{raw: "", wantErr: true},
		{raw: "   ", wantErr: true},
		{raw: "v1.2", wantErr: true},
		{raw: "latest", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			tag, err := Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.CodeInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, tag.String())
			assert.Equal(t, tt.prerelease, tag.Prerelease())
		})
	}
}

func TestCanonical(t *testing.T) {
	for raw, want := range map[string]string{
		"v1.2.3":         "v1.2.3",
		"1.2.3":          "v1.2.3",
		" 2.0.0-rc.1 ":   "v2.0.0-rc.1",
		"v1.0.0+build.5": "v1.0.0+build.5",
	} {
		tag, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, tag.Canonical(), raw)
	}
}
