package isolation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"512", "512"},
		{"1K", "1024"},
		{"4M", "4194304"},
		{"2G", "2147483648"},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	_, err := ParseSize("abc")
	require.Error(t, err)
}

func TestClampWeight(t *testing.T) {
	require.Equal(t, 1, clampWeight(0))
	require.Equal(t, 1, clampWeight(-5))
	require.Equal(t, 10000, clampWeight(20000))
	require.Equal(t, 500, clampWeight(500))
}

func TestCreateComponentAndApplyLimits(t *testing.T) {
	d := newAt(t.TempDir())
	require.NoError(t, d.CreateComponent("svc"))

	err := d.ApplyLimits("svc", Limits{MemoryMax: "512M", CPUWeight: 100, PidsMax: 64})
	require.NoError(t, err)
}

func TestRemoveComponentMissingIsNotError(t *testing.T) {
	d := newAt(t.TempDir())
	require.NoError(t, d.RemoveComponent("does-not-exist"))
}

func TestOOMKillCountMissingFileIsZero(t *testing.T) {
	d := newAt(t.TempDir())
	require.NoError(t, d.CreateComponent("svc"))

	n, err := d.OOMKillCount("svc")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOOMKillCountParsesEventsFile(t *testing.T) {
	d := newAt(t.TempDir())
	require.NoError(t, d.CreateComponent("svc"))

	events := "low 0\nhigh 0\nmax 1\noom 1\noom_kill 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(d.ComponentPath("svc"), "memory.events"), []byte(events), 0o644))

	n, err := d.OOMKillCount("svc")
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}
