package memory

import (
	"testing"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
	"github.com/JakeFAU/worldbank-country-cache/internal/storage/storagetest"
)

var _ country.Store = (*Store)(nil)

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, New())
}
