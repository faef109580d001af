package memory

import (
	"testing"

	"github.com/chrislombaard/letterd/internal/store"
	"github.com/chrislombaard/letterd/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
