package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(Memory, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAssignsIDAndTime(t *testing.T) {
	s := openMemory(t, 0)

	scan, err := s.Record(Scan{Reader: "R1", UID: "04A1B2"})
	require.NoError(t, err)

	assert.NotEmpty(t, scan.ID)
	assert.False(t, scan.At.IsZero())

	other, err := s.Record(Scan{Reader: "R1", UID: "04A1B2"})
	require.NoError(t, err)
	assert.NotEqual(t, scan.ID, other.ID)
}

func TestRecentNewestFirst(t *testing.T) {
	s := openMemory(t, 0)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, uid := range []string{"01", "02", "03"} {
		_, err := s.Record(Scan{Reader: "R1", UID: uid, At: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	all, err := s.Recent(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "03", all[0].UID)
	assert.Equal(t, "01", all[2].UID)

	two, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "03", two[0].UID)
	assert.Equal(t, "02", two[1].UID)
}

func TestRecentEmpty(t *testing.T) {
	s := openMemory(t, 0)

	scans, err := s.Recent(10)
	require.NoError(t, err)
	assert.NotNil(t, scans)
	assert.Empty(t, scans)
}

func TestClear(t *testing.T) {
	s := openMemory(t, 0)
	_, err := s.Record(Scan{Reader: "R1", UID: "01"})
	require.NoError(t, err)

	require.NoError(t, s.Clear())

	n, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScansExpire(t *testing.T) {
	s := openMemory(t, 50*time.Millisecond)
	_, err := s.Record(Scan{Reader: "R1", UID: "01"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := s.Len()
		return err == nil && n == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	s, err := Open(path, 0)
	require.NoError(t, err)
	_, err = s.Record(Scan{Reader: "R1", UID: "04A1B2"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, 0)
	require.NoError(t, err)
	defer s.Close()

	scans, err := s.Recent(0)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "04A1B2", scans[0].UID)
}
