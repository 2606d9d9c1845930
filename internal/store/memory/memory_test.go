package memory

import (
	"testing"

	"reservation-engine/internal/store"
	"reservation-engine/internal/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
