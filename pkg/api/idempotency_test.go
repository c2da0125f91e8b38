package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, store.Save(ctx, "short", Record{StatusCode: 201, Response: []byte(`{}`), ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.Save(ctx, "long", Record{StatusCode: 201, ExpiresAt: now.Add(time.Hour)}))

	rec, err = store.Get(ctx, "short")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.StatusCode)
	assert.Equal(t, []byte(`{}`), rec.Response)

	now = now.Add(2 * time.Minute)
	rec, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired records are not served")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, store.Prune())
	assert.Equal(t, 0, store.Prune())
}

func TestFlexString(t *testing.T) {
	tests := []struct {
		in      string
		want    flexString
		wantErr bool
	}{
		{`"1000"`, "1000", false},
		{`1000`, "1000", false},
		{`12345678901234567890`, "12345678901234567890", false},
		{`null`, "", false},
		{`true`, "", true},
		{`{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f flexString
			err := f.UnmarshalJSON([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}
