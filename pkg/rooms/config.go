package rooms

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// CatalogConfig is the top-level YAML document for the room catalog.
//
//	rooms:
//	  - id: 1
//	    name: Tech Discussion
//	    description: Languages, tools and infrastructure
type CatalogConfig struct {
	Rooms []model.Room `yaml:"rooms"`
}

// LoadCatalogFromYAML reads a rooms file and imports it into the catalog.
func LoadCatalogFromYAML(path string, catalog Catalog) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read rooms config: %w", err)
	}
	return ImportCatalogFromYAML(data, catalog)
}

// ImportCatalogFromYAML parses YAML data and inserts or renames the listed
// rooms. Nothing is imported if any entry is invalid.
func ImportCatalogFromYAML(data []byte, catalog Catalog) error {
	var cfg CatalogConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse rooms config: %w", err)
	}

	seen := make(map[int64]bool, len(cfg.Rooms))
	for i := range cfg.Rooms {
		room := &cfg.Rooms[i]
		if err := room.Validate(); err != nil {
			return fmt.Errorf("rooms config entry %d: %w: %w", i, model.ErrValidation, err)
		}
		if seen[room.ID] {
			return model.Validationf("rooms config: duplicate room id %d", room.ID)
		}
		seen[room.ID] = true
	}

	if err := catalog.ImportRooms(cfg.Rooms); err != nil {
		return fmt.Errorf("import rooms config: %w", err)
	}
	slog.Info("imported rooms from YAML", "count", len(cfg.Rooms))
	return nil
}

// ExportCatalogYAML exports the catalog as YAML in insertion order.
func ExportCatalogYAML(catalog Catalog) ([]byte, error) {
	rooms, err := catalog.ListRooms()
	if err != nil {
		return nil, err
	}
	cfg := CatalogConfig{Rooms: rooms}
	return yaml.Marshal(&cfg)
}
