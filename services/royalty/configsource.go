package royalty

import (
	"context"
	"strings"
	"sync"
	"time"

	"vortex-royalty/pkg/db/option"
	"vortex-royalty/pkg/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigSource supplies per-artwork royalty settings and collaboration
// share tables. Both lookups return empty results, not errors, when nothing
// is registered.
type ConfigSource interface {
	ArtworkRoyalty(ctx context.Context, artworkID string) (*ArtworkRoyalty, error)
	CollaborationShares(ctx context.Context, artworkID string) ([]BeneficiaryShare, error)
}

// WalletDirectory maps a beneficiary to its payout destination.
type WalletDirectory interface {
	Wallet(ctx context.Context, beneficiaryID string) (string, error)
}

// GormConfigSource keeps royalty configuration in the service database.
type GormConfigSource struct {
	db *gorm.DB

	artworks repository.Repository[ArtworkRoyalty]
	collabs  repository.Repository[CollaborationShare]
	wallets  repository.Repository[BeneficiaryWallet]
}

func NewGormConfigSource(db *gorm.DB) *GormConfigSource {
	return &GormConfigSource{
		db:       db,
		artworks: repository.ProvideStore[ArtworkRoyalty](db),
		collabs:  repository.ProvideStore[CollaborationShare](db),
		wallets:  repository.ProvideStore[BeneficiaryWallet](db),
	}
}

func (s *GormConfigSource) ArtworkRoyalty(ctx context.Context, artworkID string) (*ArtworkRoyalty, error) {
	return s.artworks.FindOne(ctx, &ArtworkRoyalty{ArtworkID: artworkID})
}

func (s *GormConfigSource) CollaborationShares(ctx context.Context, artworkID string) ([]BeneficiaryShare, error) {
	rows, err := s.collabs.Find(ctx, &CollaborationShare{ArtworkID: artworkID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "position",
		OrderBy: "asc",
		Allow:   map[string]bool{"position": true},
	}))
	if err != nil {
		return nil, err
	}

	shares := make([]BeneficiaryShare, 0, len(rows))
	for _, r := range rows {
		shares = append(shares, BeneficiaryShare{
			BeneficiaryID: r.BeneficiaryID,
			Percentage:    r.Percentage,
			Role:          r.Role,
		})
	}
	return shares, nil
}

func (s *GormConfigSource) Wallet(ctx context.Context, beneficiaryID string) (string, error) {
	w, err := s.wallets.FindOne(ctx, &BeneficiaryWallet{BeneficiaryID: beneficiaryID})
	if err != nil {
		return "", err
	}
	if w == nil || strings.TrimSpace(w.Address) == "" {
		return "", ErrWalletNotFound
	}
	return w.Address, nil
}

// SetArtworkRoyalty upserts the artist and optional percentage of an artwork.
func (s *GormConfigSource) SetArtworkRoyalty(ctx context.Context, artworkID, artistID string, pct *decimal.Decimal) error {
	row := &ArtworkRoyalty{ArtworkID: artworkID, ArtistID: artistID}
	if pct != nil {
		row.Percentage = decimal.NullDecimal{Decimal: *pct, Valid: true}
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "artwork_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"artist_id", "percentage", "updated_at"}),
	}).Create(row).Error
}

// ReplaceCollaborationShares swaps the whole share table of an artwork.
func (s *GormConfigSource) ReplaceCollaborationShares(ctx context.Context, artworkID string, shares []BeneficiaryShare) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("artwork_id = ?", artworkID).Delete(&CollaborationShare{}).Error; err != nil {
			return err
		}

		rows := make([]*CollaborationShare, 0, len(shares))
		for i, sh := range shares {
			rows = append(rows, &CollaborationShare{
				ArtworkID:     artworkID,
				BeneficiaryID: sh.BeneficiaryID,
				Position:      i,
				Role:          sh.Role,
				Percentage:    sh.Percentage,
			})
		}
		return s.collabs.WithTrx(tx).BatchCreate(ctx, rows)
	})
}

func (s *GormConfigSource) SetWallet(ctx context.Context, beneficiaryID, address string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "beneficiary_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
	}).Create(&BeneficiaryWallet{BeneficiaryID: beneficiaryID, Address: address}).Error
}

// StaticConfigSource is an in-memory ConfigSource and WalletDirectory.
type StaticConfigSource struct {
	mu       sync.RWMutex
	Artworks map[string]ArtworkRoyalty
	Collabs  map[string][]BeneficiaryShare
	Wallets  map[string]string
}

func NewStaticConfigSource() *StaticConfigSource {
	return &StaticConfigSource{
		Artworks: make(map[string]ArtworkRoyalty),
		Collabs:  make(map[string][]BeneficiaryShare),
		Wallets:  make(map[string]string),
	}
}

func (s *StaticConfigSource) SetArtwork(artworkID, artistID string, pct *decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := ArtworkRoyalty{ArtworkID: artworkID, ArtistID: artistID, UpdatedAt: time.Now()}
	if pct != nil {
		row.Percentage = decimal.NullDecimal{Decimal: *pct, Valid: true}
	}
	s.Artworks[artworkID] = row
}

func (s *StaticConfigSource) SetCollaboration(artworkID string, shares []BeneficiaryShare) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Collabs[artworkID] = append([]BeneficiaryShare(nil), shares...)
}

func (s *StaticConfigSource) SetWallet(beneficiaryID, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Wallets[beneficiaryID] = address
}

func (s *StaticConfigSource) ArtworkRoyalty(ctx context.Context, artworkID string) (*ArtworkRoyalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.Artworks[artworkID]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *StaticConfigSource) CollaborationShares(ctx context.Context, artworkID string) ([]BeneficiaryShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BeneficiaryShare(nil), s.Collabs[artworkID]...), nil
}

func (s *StaticConfigSource) Wallet(ctx context.Context, beneficiaryID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.Wallets[beneficiaryID]
	if !ok || addr == "" {
		return "", ErrWalletNotFound
	}
	return addr, nil
}
