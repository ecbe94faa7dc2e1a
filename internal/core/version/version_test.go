package version

import (
	"testing"

	"trafficnorm/internal/platform/testkit"

	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	bi := Info("trafficnorm-bulk")
	require.Equal(t, "trafficnorm-bulk", bi.Service)
	require.Equal(t, "dev", bi.Version)
	require.NotEmpty(t, bi.Commit)
}

func TestInfo_Stamped(t *testing.T) {
	testkit.Swap(t, &version, "v1.4.0")
	testkit.Swap(t, &commit, "abc1234")
	testkit.Swap(t, &date, "2026-10-01")

	require.Equal(t, "trafficnorm-bulk v1.4.0 (commit abc1234, built 2026-10-01)", Info("trafficnorm-bulk").String())
}
