package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/pages"
	"pagewatch/internal/storage"
)

var scout = pages.Spec{Name: "scout", URL: "https://example.com/scout"}

func TestDetectSeedsFirstObservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	d := New(st)

	out, rec, err := d.Detect(ctx, scout, "hello")
	require.NoError(t, err)
	assert.Equal(t, Seeded, out)
	assert.Nil(t, rec)

	text, err := st.GetSnapshot(ctx, scout.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestDetectUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutSnapshot(ctx, scout.URL, "same"))

	out, rec, err := New(st).Detect(ctx, scout, "same")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
	assert.Nil(t, rec)
}

func TestDetectChangedAdvancesSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutSnapshot(ctx, scout.URL, "A\nB"))
	d := New(st)

	out, rec, err := d.Detect(ctx, scout, "A\nB\nC")
	require.NoError(t, err)
	assert.Equal(t, Changed, out)
	require.NotNil(t, rec)
	assert.Equal(t, "A\nB", rec.OldText)
	assert.Equal(t, "A\nB\nC", rec.NewText)
	assert.NotNil(t, rec.Doc)

	text, err := st.GetSnapshot(ctx, scout.URL)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\nC", text)

	// The same content again is not a second change.
	out, _, err = d.Detect(ctx, scout, "A\nB\nC")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, out)
}

func TestDetectIsExactComparison(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutSnapshot(ctx, scout.URL, "A"))

	out, _, err := New(st).Detect(ctx, scout, "A ")
	require.NoError(t, err)
	assert.Equal(t, Changed, out)
}

type failingStore struct{ storage.SnapshotStore }

func (failingStore) HasSnapshot(context.Context, string) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestDetectPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	_, _, err := New(failingStore{}).Detect(context.Background(), scout, "x")
	assert.ErrorContains(t, err, "disk on fire")
}
