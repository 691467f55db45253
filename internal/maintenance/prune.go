// Package maintenance holds offline housekeeping jobs run from the CLI.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/MarcoPoloResearchLab/cardledger/internal/blobstore"
	"github.com/MarcoPoloResearchLab/cardledger/internal/cards"
	"github.com/MarcoPoloResearchLab/cardledger/internal/imagecache"
	"go.uber.org/zap"
)

var errMissingDependency = errors.New("maintenance: blob store and card lookup are required")

// BlobStore lists and removes stored images.
type BlobStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, ownerID, cardID string) error
}

// CardLookup resolves a card id to its stored card, or nil when absent.
type CardLookup interface {
	Get(ctx context.Context, ownerID, cardID string) (*cards.Card, error)
}

// CacheEvicter drops cached image bytes.
type CacheEvicter interface {
	Delete(ctx context.Context, key string) error
}

// PruneReport summarizes one PruneOrphanImages run.
type PruneReport struct {
	Scanned int
	Removed []string
	Failed  int
}

// ImagePruner removes images whose card no longer exists.
type ImagePruner struct {
	Blobs  BlobStore
	Cards  CardLookup
	Cache  CacheEvicter
	DryRun bool
	Logger *zap.Logger
}

// PruneOrphanImages scans every image of ownerID and deletes those without a
// card. Lookup and delete failures are counted and the scan continues.
func (p ImagePruner) PruneOrphanImages(ctx context.Context, ownerID string) (PruneReport, error) {
	if p.Blobs == nil || p.Cards == nil {
		return PruneReport{}, errMissingDependency
	}
	owner, err := cards.NewOwnerID(ownerID)
	if err != nil {
		return PruneReport{}, err
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, err := p.Blobs.List(ctx, blobstore.OwnerPrefix(owner.String()))
	if err != nil {
		return PruneReport{}, fmt.Errorf("list images: %w", err)
	}

	report := PruneReport{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		cardID := path.Base(key)
		card, err := p.Cards.Get(ctx, owner.String(), cardID)
		if err != nil {
			report.Failed++
			logger.Warn("image owner lookup failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if card != nil {
			continue
		}
		if p.DryRun {
			report.Removed = append(report.Removed, cardID)
			continue
		}
		if err := p.Blobs.Delete(ctx, owner.String(), cardID); err != nil {
			report.Failed++
			logger.Warn("orphan image delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if p.Cache != nil {
			if err := p.Cache.Delete(ctx, imagecache.Key(owner.String(), cardID)); err != nil {
				logger.Debug("orphan image cache eviction failed", zap.String("key", key), zap.Error(err))
			}
		}
		report.Removed = append(report.Removed, cardID)
	}

	logger.Info("orphan images pruned",
		zap.String("owner_id", owner.String()),
		zap.Int("scanned", report.Scanned),
		zap.Int("removed", len(report.Removed)),
		zap.Int("failed", report.Failed),
		zap.Bool("dry_run", p.DryRun))
	return report, nil
}
