package memstore_test

import (
	"testing"

	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/kioskworks/kiosksync/pkg/store/memstore"
	"github.com/kioskworks/kiosksync/pkg/store/storetest"
)

func TestMemstore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Database {
		return memstore.New()
	})
}
