package fsutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredWithHeadroom(t *testing.T) {
	tests := []struct {
		name        string
		n           uint64
		minHeadroom uint64
		want        uint64
	}{
		{"ten percent dominates", 1000, 50, 1100},
		{"minimum dominates", 100, 50, 150},
		{"zero write still needs headroom", 0, 1024, 1024},
		{"exact tie", 500, 50, 550},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredWithHeadroom(tt.n, tt.minHeadroom))
		})
	}
}

func TestDiskFree(t *testing.T) {
	free, err := DiskFree(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
