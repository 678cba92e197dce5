// Package chips is a catalog of commercially available flash memory parts,
// so tools can size an image or a device by part number instead of raw
// geometry numbers.
package chips

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/flashfs/blockdev"
)

// FlashChip describes one flash part: its erase and program granularity and
// how many erase sectors it has. Sectors map one to one onto filesystem
// blocks.
type FlashChip struct {
	Name               string `csv:"name"`
	Slug               string `csv:"slug"`
	Manufacturer       string `csv:"manufacturer"`
	FirstYearAvailable uint   `csv:"first_year_available"`
	// Interface names the bus the part speaks, e.g. "SPI" or "QSPI".
	Interface string `csv:"interface"`

	// PageSize gives the largest number of bytes one program operation can
	// write, and the alignment programs must honor. A few parts program a
	// single byte at a time.
	PageSize uint32 `csv:"page_size"`
	// SectorSize gives the size of the smallest erasable unit, in bytes.
	SectorSize uint32 `csv:"sector_size"`
	// SectorCount gives the number of erase sectors on the part.
	SectorCount uint32 `csv:"sector_count"`
	Notes       string `csv:"notes"`
}

// TotalSizeBytes gives the capacity of the part. This is the minimum size of
// an image file holding a full dump of it.
func (chip *FlashChip) TotalSizeBytes() int64 {
	return int64(chip.SectorSize) * int64(chip.SectorCount)
}

// Geometry converts the part's datasheet numbers into a device geometry.
func (chip *FlashChip) Geometry() blockdev.Geometry {
	return blockdev.Geometry{
		BlockSize:   chip.SectorSize,
		BlockCount:  chip.SectorCount,
		ProgramSize: chip.PageSize,
		EraseSize:   chip.SectorSize,
	}
}

//go:embed flash-chips.csv
var flashChipsRawCSV string
var flashChips map[string]FlashChip

// GetPredefinedFlashChip looks a part up by its slug, e.g. "w25q32jv".
func GetPredefinedFlashChip(slug string) (FlashChip, error) {
	chip, ok := flashChips[slug]
	if ok {
		return chip, nil
	}

	err := fmt.Errorf("no predefined flash chip exists with slug %q", slug)
	return FlashChip{}, err
}

// ListPredefinedFlashChips returns every catalog entry, ordered by slug.
func ListPredefinedFlashChips() []FlashChip {
	out := make([]FlashChip, 0, len(flashChips))
	for _, chip := range flashChips {
		out = append(out, chip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func init() {
	var rows []FlashChip
	if err := gocsv.UnmarshalString(flashChipsRawCSV, &rows); err != nil {
		panic(fmt.Errorf("failed to decode flash chip catalog: %w", err))
	}

	flashChips = make(map[string]FlashChip, len(rows))
	for i, row := range rows {
		_, exists := flashChips[row.Slug]
		if exists {
			panic(fmt.Errorf(
				"duplicate definition for flash chip %q found on row %d",
				row.Slug,
				i+1))
		}
		flashChips[row.Slug] = row
	}
}
