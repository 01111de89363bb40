package layout

import (
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// presetRow is the CSV-shaped record for one named geometry preset.
type presetRow struct {
	Slug        string `csv:"slug"`
	BlockBytes  uint   `csv:"block_bytes"`
	NumBlocks   uint   `csv:"num_blocks"`
	NumInodes   uint   `csv:"num_inodes"`
	DirectPtrs  uint   `csv:"direct_ptrs"`
	ShadowSlots uint   `csv:"shadow_slots"`
	MaxFD       uint   `csv:"max_fd"`
	MaxName     uint   `csv:"max_name"`
	Notes       string `csv:"notes"`
}

// rawPresetsCSV embeds the named geometry presets shipped with this module.
// "classic" reproduces the geometry of the original single-disk coursework
// implementation; "tiny" and "large" are added purely as configuration data
// for fast tests and stress tests, respectively.
const rawPresetsCSV = `slug,block_bytes,num_blocks,num_inodes,direct_ptrs,shadow_slots,max_fd,max_name,notes
classic,1024,1024,200,14,5,32,20,original coursework geometry
tiny,256,128,32,6,3,8,12,small geometry for fast unit tests
large,4096,16384,2048,14,8,64,32,stress-test geometry with larger blocks and more shadows
`

var presets map[string]Geometry

func init() {
	presets = make(map[string]Geometry)
	reader := strings.NewReader(rawPresetsCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row presetRow) error {
		if _, exists := presets[row.Slug]; exists {
			return fmt.Errorf("duplicate geometry preset slug %q", row.Slug)
		}
		presets[row.Slug] = Geometry{
			BlockBytes:  row.BlockBytes,
			NumBlocks:   row.NumBlocks,
			NumInodes:   row.NumInodes,
			DirectPtrs:  row.DirectPtrs,
			ShadowSlots: row.ShadowSlots,
			MaxFD:       row.MaxFD,
			MaxName:     row.MaxName,
		}
		return nil
	})
	if err != nil && err != io.EOF {
		panic(fmt.Sprintf("layout: malformed built-in preset table: %s", err))
	}
}

// Preset looks up a named geometry preset (e.g. "classic", "tiny", "large").
func Preset(slug string) (Geometry, error) {
	g, ok := presets[slug]
	if !ok {
		return Geometry{}, fmt.Errorf("layout: no geometry preset named %q", slug)
	}
	return g, nil
}

// PresetNames returns the slugs of all built-in geometry presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
