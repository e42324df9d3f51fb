// Package sync orchestrates one item's import run: fetch upstream snapshots
// through the item's provider, persist them, and advance the incremental
// cursor atomically with the batch.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"doubleu/internal/models"
	"doubleu/internal/providers"
)

var (
	syncTracer = otel.Tracer("doubleu/sync")
	syncMeter  = otel.Meter("doubleu/sync")

	optionalProductErrors, _ = syncMeter.Int64Counter("sync.optional_product.errors",
		metric.WithDescription("Non-fatal investments/liabilities fetch failures"))
	itemsFlagged, _ = syncMeter.Int64Counter("sync.items.flagged",
		metric.WithDescription("Items flagged requires_update during sync"))
)

// Sink is the durable side of an import run. ImportBatch must apply the
// whole batch atomically: either every snapshot and the cursor advance
// commit, or none do.
type Sink interface {
	UpsertItemSnapshot(ctx context.Context, item *models.ExternalItem, data *providers.ItemData) error
	UpsertInstitutionSnapshot(ctx context.Context, item *models.ExternalItem, data *providers.InstitutionData) error
	MarkItemRequiresUpdate(ctx context.Context, item *models.ExternalItem) error
	ImportBatch(ctx context.Context, item *models.ExternalItem, fn func(tx BatchTx) error) error
}

// BatchTx is the transactional surface inside one ImportBatch call.
type BatchTx interface {
	UpsertAccountSnapshot(account providers.AccountData) error
	UpsertTransactionsSnapshot(accountID string, payload models.TransactionsPayload) error
	UpsertInvestmentsSnapshot(accountID string, payload models.InvestmentsPayload) error
	UpsertLiabilitiesSnapshot(accountID string, payload models.LiabilitiesPayload) error
	AdvanceCursor(cursor string) error
}

// accountImport is one account's fetched data, staged before the batch.
type accountImport struct {
	account      providers.AccountData
	transactions models.TransactionsPayload
	investments  *models.InvestmentsPayload
	liabilities  *models.LiabilitiesPayload
}

// Importer runs one item sync end to end. A single run is sequential;
// concurrency across items belongs to the scheduler.
type Importer struct {
	registry *providers.Registry
	sink     Sink
}

func NewImporter(registry *providers.Registry, sink Sink) *Importer {
	return &Importer{registry: registry, sink: sink}
}

// Import fetches and persists everything the item's provider can serve.
// A login-required failure flags the item and ends the run cleanly; other
// failures on accounts or transactions propagate to the scheduler. Failures
// on optional products (investments, liabilities) are counted and logged
// but never halt the run.
func (imp *Importer) Import(ctx context.Context, item *models.ExternalItem) error {
	ctx, span := syncTracer.Start(ctx, "sync.import")
	span.SetAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("item.provider", item.Provider),
	)
	defer span.End()

	err := imp.run(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (imp *Importer) run(ctx context.Context, item *models.ExternalItem) error {
	provider, err := imp.registry.Get(item.Provider)
	if err != nil {
		return err
	}

	itemData, err := provider.GetItem(ctx, item)
	if err != nil {
		return imp.classify(ctx, item, err)
	}
	item.AvailableProducts = itemData.Payload.AvailableProducts
	item.BilledProducts = itemData.Payload.BilledProducts
	if err := imp.sink.UpsertItemSnapshot(ctx, item, itemData); err != nil {
		return fmt.Errorf("failed to persist item snapshot: %w", err)
	}

	if itemData.InstitutionID != "" {
		institution, err := provider.GetInstitution(ctx, itemData.InstitutionID)
		if err != nil {
			return imp.classify(ctx, item, err)
		}
		if err := imp.sink.UpsertInstitutionSnapshot(ctx, item, institution); err != nil {
			return fmt.Errorf("failed to persist institution snapshot: %w", err)
		}
	}

	accounts, err := provider.GetItemAccounts(ctx, item)
	if err != nil {
		return imp.classify(ctx, item, err)
	}

	cursor := item.NextCursor
	imports := make([]accountImport, 0, len(accounts))
	for _, account := range accounts {
		staged := accountImport{account: account}

		sync, err := provider.GetTransactions(ctx, item, account.Payload.AccountID, item.NextCursor)
		if err != nil {
			return imp.classify(ctx, item, err)
		}
		staged.transactions = sync.Payload
		if sync.NextCursor != "" {
			cursor = sync.NextCursor
		}

		if item.SupportsProduct("investments") {
			staged.investments = fetchOptional(ctx, item, "investments", func() (*models.InvestmentsPayload, error) {
				return provider.GetItemInvestments(ctx, item, account.Payload.AccountID)
			})
		}
		if item.SupportsProduct("liabilities") {
			staged.liabilities = fetchOptional(ctx, item, "liabilities", func() (*models.LiabilitiesPayload, error) {
				return provider.GetItemLiabilities(ctx, item, account.Payload.AccountID)
			})
		}

		imports = append(imports, staged)
	}

	err = imp.sink.ImportBatch(ctx, item, func(tx BatchTx) error {
		for _, staged := range imports {
			if err := tx.UpsertAccountSnapshot(staged.account); err != nil {
				return err
			}
			if err := tx.UpsertTransactionsSnapshot(staged.account.Payload.AccountID, staged.transactions); err != nil {
				return err
			}
			if staged.investments != nil {
				if err := tx.UpsertInvestmentsSnapshot(staged.account.Payload.AccountID, *staged.investments); err != nil {
					return err
				}
			}
			if staged.liabilities != nil {
				if err := tx.UpsertLiabilitiesSnapshot(staged.account.Payload.AccountID, *staged.liabilities); err != nil {
					return err
				}
			}
		}
		return tx.AdvanceCursor(cursor)
	})
	if err != nil {
		return fmt.Errorf("failed to commit import batch: %w", err)
	}

	// The batch committed; the in-memory item may now carry the cursor.
	item.NextCursor = cursor
	return nil
}

// fetchOptional runs an optional-product fetch, converting every failure
// into telemetry instead of an error. A provider that cannot serve the
// product at all is silent.
func fetchOptional[T any](ctx context.Context, item *models.ExternalItem, product string, fetch func() (*T, error)) *T {
	payload, err := fetch()
	if err != nil {
		if errors.Is(err, providers.ErrNotSupported) {
			return nil
		}
		optionalProductErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("product", product),
			attribute.String("provider", item.Provider),
		))
		log.Printf("Optional %s fetch failed for item %s: %v", product, item.ID, err)
		return nil
	}
	return payload
}

// classify turns a login-required failure into a flagged item and a clean
// run end; everything else propagates.
func (imp *Importer) classify(ctx context.Context, item *models.ExternalItem, err error) error {
	if !errors.Is(err, providers.ErrLoginRequired) {
		return err
	}

	item.Status = models.ItemRequiresUpdate
	if ferr := imp.sink.MarkItemRequiresUpdate(ctx, item); ferr != nil {
		return fmt.Errorf("failed to flag item %s: %v (after %w)", item.ID, ferr, err)
	}
	itemsFlagged.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", item.Provider)))
	log.Printf("Item %s requires re-linking: %v", item.ID, err)
	return nil
}
