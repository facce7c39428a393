package yieldsaga_test

import (
	"testing"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/storetest"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) yieldsaga.Store { return yieldsaga.NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) yieldsaga.Store {
		store, err := yieldsaga.NewFileStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}
