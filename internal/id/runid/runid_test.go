package runid

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^\d{8}T\d{6}Z-[0-9a-f]{8}$`)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 1, 3, 0, 0, 0, time.FixedZone("IST", 2*3600))
	gen := NewWithClock(func() time.Time { return at })
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	require.Regexp(t, idPattern, id1)
	require.NotEqual(t, id1, id2)
	require.Equal(t, "20240101T010000Z", id1[:16])

	ts, err := Time(id1)
	require.NoError(t, err)
	require.True(t, ts.Equal(at))
}

func TestTimeRejectsMalformedIDs(t *testing.T) {
	t.Parallel()

	_, err := Time("nodash")
	require.Error(t, err)
	_, err = Time("2024-abc")
	require.Error(t, err)
}

func TestNewUsesWallClock(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)
	require.Regexp(t, idPattern, id)
}
