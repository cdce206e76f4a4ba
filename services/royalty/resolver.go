package royalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vortex-royalty/pkg/config"

	"github.com/shopspring/decimal"
)

// RoyaltyConfig is the product policy the resolver applies when an artwork
// carries no override.
type RoyaltyConfig struct {
	DefaultPercentage    decimal.Decimal
	PlatformBeneficiary  string
	PlatformCommission   decimal.Decimal
	SecondaryPlatformFee decimal.Decimal
	CacheTTL             time.Duration
}

// RoyaltyConfigFrom parses the ROYALTY config section.
func RoyaltyConfigFrom(c config.Royalty) (RoyaltyConfig, error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, fmt.Errorf("royalty config %s: %w", name, err)
		}
		if d.IsNegative() || d.GreaterThan(hundred) {
			return decimal.Zero, fmt.Errorf("royalty config %s: %s is outside [0, 100]", name, d)
		}
		return d, nil
	}

	def, err := parse("DEFAULT_PERCENTAGE", c.DefaultPercentage)
	if err != nil {
		return RoyaltyConfig{}, err
	}
	commission, err := parse("PLATFORM_COMMISSION", c.PlatformCommission)
	if err != nil {
		return RoyaltyConfig{}, err
	}
	fee, err := parse("SECONDARY_PLATFORM_FEE", c.SecondaryPlatformFee)
	if err != nil {
		return RoyaltyConfig{}, err
	}
	if def.Add(fee).GreaterThan(hundred) {
		return RoyaltyConfig{}, errors.New("royalty config: default percentage plus platform fee exceeds 100")
	}

	return RoyaltyConfig{
		DefaultPercentage:    def,
		PlatformBeneficiary:  c.PlatformBeneficiary,
		PlatformCommission:   commission,
		SecondaryPlatformFee: fee,
		CacheTTL:             c.CacheTTL,
	}, nil
}

// Resolver answers which beneficiaries a sale pays and at what percentage.
// It only reads configuration.
type Resolver struct {
	cfg    RoyaltyConfig
	source ConfigSource
	cache  *shareCache
}

func NewResolver(cfg RoyaltyConfig, source ConfigSource) *Resolver {
	return &Resolver{
		cfg:    cfg,
		source: source,
		cache:  newShareCache(cfg.CacheTTL),
	}
}

// Resolve returns the registered share set for an artwork and sale kind.
func (r *Resolver) Resolve(ctx context.Context, artworkID string, kind SaleKind) ([]BeneficiaryShare, error) {
	if strings.TrimSpace(artworkID) == "" {
		return nil, &ConfigurationError{Reason: "artwork id is empty"}
	}

	return r.cache.load(artworkID, string(kind), func() ([]BeneficiaryShare, error) {
		switch kind {
		case SaleKindSecondary:
			return r.secondary(ctx, artworkID)
		case SaleKindPrimary:
			return r.primary(ctx, artworkID)
		case SaleKindCollaboration:
			return r.collaboration(ctx, artworkID)
		default:
			return nil, &ConfigurationError{ArtworkID: artworkID, Reason: "unknown sale kind " + string(kind)}
		}
	})
}

// ResolveSale honours a share table carried by a collaboration sale before
// falling back to the registered configuration. A carried table is input,
// so the calculator validates it.
func (r *Resolver) ResolveSale(ctx context.Context, sale SaleEvent) ([]BeneficiaryShare, error) {
	if sale.Kind == SaleKindCollaboration && len(sale.Shares) > 0 {
		return cloneShares(sale.Shares), nil
	}
	return r.Resolve(ctx, sale.ArtworkID, sale.Kind)
}

// Invalidate forgets cached share sets of an artwork after a config write.
func (r *Resolver) Invalidate(artworkID string) {
	r.cache.invalidate(artworkID)
}

func (r *Resolver) artwork(ctx context.Context, artworkID string) (*ArtworkRoyalty, error) {
	art, err := r.source.ArtworkRoyalty(ctx, artworkID)
	if err != nil {
		return nil, fmt.Errorf("load artwork royalty: %w", err)
	}
	if art == nil || strings.TrimSpace(art.ArtistID) == "" {
		return nil, &ConfigurationError{ArtworkID: artworkID, Reason: "no artist registered"}
	}
	return art, nil
}

func (r *Resolver) secondary(ctx context.Context, artworkID string) ([]BeneficiaryShare, error) {
	art, err := r.artwork(ctx, artworkID)
	if err != nil {
		return nil, err
	}

	pct := r.cfg.DefaultPercentage
	if art.Percentage.Valid {
		pct = art.Percentage.Decimal
	}
	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		return nil, &ConfigurationError{ArtworkID: artworkID, Reason: "royalty percentage " + pct.String() + " is outside (0, 100]"}
	}

	shares := []BeneficiaryShare{{BeneficiaryID: art.ArtistID, Percentage: pct, Role: RoleArtist}}
	if r.cfg.SecondaryPlatformFee.IsPositive() {
		platform, err := r.platform(artworkID, art.ArtistID)
		if err != nil {
			return nil, err
		}
		if pct.Add(r.cfg.SecondaryPlatformFee).GreaterThan(hundred) {
			return nil, &ConfigurationError{ArtworkID: artworkID, Reason: "royalty plus platform fee exceeds 100"}
		}
		shares = append(shares, BeneficiaryShare{BeneficiaryID: platform, Percentage: r.cfg.SecondaryPlatformFee, Role: RolePlatform})
	}
	return shares, nil
}

func (r *Resolver) primary(ctx context.Context, artworkID string) ([]BeneficiaryShare, error) {
	art, err := r.artwork(ctx, artworkID)
	if err != nil {
		return nil, err
	}

	commission := r.cfg.PlatformCommission
	if !commission.IsPositive() {
		return []BeneficiaryShare{{BeneficiaryID: art.ArtistID, Percentage: hundred, Role: RoleArtist}}, nil
	}
	if commission.GreaterThanOrEqual(hundred) {
		return nil, &ConfigurationError{ArtworkID: artworkID, Reason: "platform commission leaves nothing for the artist"}
	}

	platform, err := r.platform(artworkID, art.ArtistID)
	if err != nil {
		return nil, err
	}
	return []BeneficiaryShare{
		{BeneficiaryID: art.ArtistID, Percentage: hundred.Sub(commission), Role: RoleArtist},
		{BeneficiaryID: platform, Percentage: commission, Role: RolePlatform},
	}, nil
}

func (r *Resolver) collaboration(ctx context.Context, artworkID string) ([]BeneficiaryShare, error) {
	shares, err := r.source.CollaborationShares(ctx, artworkID)
	if err != nil {
		return nil, fmt.Errorf("load collaboration shares: %w", err)
	}
	if len(shares) == 0 {
		return nil, &ConfigurationError{ArtworkID: artworkID, Reason: "no collaboration share table registered"}
	}
	if err := checkCollaboration(artworkID, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

func (r *Resolver) platform(artworkID, artistID string) (string, error) {
	id := strings.TrimSpace(r.cfg.PlatformBeneficiary)
	if id == "" {
		return "", &ConfigurationError{ArtworkID: artworkID, Reason: "platform share configured without a platform beneficiary"}
	}
	if id == artistID {
		return "", &ConfigurationError{ArtworkID: artworkID, Reason: "artist and platform beneficiary are the same"}
	}
	return id, nil
}

// checkCollaboration requires a share table summing to 100 within Epsilon.
func checkCollaboration(artworkID string, shares []BeneficiaryShare) error {
	if _, err := validateShares(shares, true); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return &ConfigurationError{ArtworkID: artworkID, Reason: verr.Reason}
		}
		return err
	}
	return nil
}
