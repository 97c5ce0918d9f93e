package detach

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsDetachedChildFalseByDefault(t *testing.T) {
	require.False(t, IsDetachedChild())
}

func TestIsDetachedChildHonorsEnv(t *testing.T) {
	require.NoError(t, os.Setenv("TINCD_DETACH_CHILD", "1"))
	defer os.Unsetenv("TINCD_DETACH_CHILD")

	// The marker check compares the raw "KEY=VAL" environ entry, and
	// os.Setenv above yields exactly "TINCD_DETACH_CHILD=1".
	require.True(t, IsDetachedChild())
}

func TestReportReadyWithoutInheritedFDFails(t *testing.T) {
	err := ReportReady()
	require.Error(t, err)
}
