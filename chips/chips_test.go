package chips_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/flashfs/chips"
)

func TestGetPredefinedFlashChip(t *testing.T) {
	chip, err := chips.GetPredefinedFlashChip("w25q32jv")
	require.NoError(t, err)
	assert.Equal(t, "Winbond", chip.Manufacturer)
	assert.EqualValues(t, 256, chip.PageSize)
	assert.EqualValues(t, 4096, chip.SectorSize)
	assert.EqualValues(t, 4*1024*1024, chip.TotalSizeBytes())
}

func TestGetUnknownChipFails(t *testing.T) {
	_, err := chips.GetPredefinedFlashChip("definitely-not-a-chip")
	assert.Error(t, err)
}

// Every catalog row must produce a geometry the block layer accepts.
func TestCatalogGeometriesAreValid(t *testing.T) {
	catalog := chips.ListPredefinedFlashChips()
	require.NotEmpty(t, catalog)

	for _, chip := range catalog {
		t.Run(chip.Slug, func(t *testing.T) {
			geo := chip.Geometry()
			assert.NoError(t, geo.Validate())
			assert.EqualValues(t, chip.TotalSizeBytes(),
				int64(geo.BlockSize)*int64(geo.BlockCount))
		})
	}
}

func TestListIsSortedBySlug(t *testing.T) {
	catalog := chips.ListPredefinedFlashChips()
	for i := 1; i < len(catalog); i++ {
		assert.Less(t, catalog[i-1].Slug, catalog[i].Slug)
	}
}
