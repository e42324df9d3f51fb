package sync

import (
	"context"
	"fmt"
	"log"

	"doubleu/internal/models"
)

// Syncer adapts one item's import run to the scheduler's Job interface.
type Syncer struct {
	item     *models.ExternalItem
	importer *Importer
}

func NewSyncer(item *models.ExternalItem, importer *Importer) *Syncer {
	return &Syncer{item: item, importer: importer}
}

// Execute runs the import. A flagged item (requires_update) is a clean
// completion from the scheduler's point of view: retrying cannot help until
// the user re-links.
func (s *Syncer) Execute(ctx context.Context) error {
	log.Printf("Starting sync for item %s (%s)", s.item.ID, s.item.Provider)

	if err := s.importer.Import(ctx, s.item); err != nil {
		log.Printf("Sync failed for item %s: %v", s.item.ID, err)
		return fmt.Errorf("sync failed: %w", err)
	}

	if s.item.Status == models.ItemRequiresUpdate {
		log.Printf("Sync for item %s halted: item requires re-linking", s.item.ID)
		return nil
	}

	log.Printf("Sync completed for item %s", s.item.ID)
	return nil
}

// ItemID returns the item this job syncs, for logging and tracing.
func (s *Syncer) ItemID() string {
	return s.item.ID
}

// Description returns a human-readable description of the job.
func (s *Syncer) Description() string {
	return fmt.Sprintf("Item sync for %s (%s)", s.item.ID, s.item.Provider)
}
