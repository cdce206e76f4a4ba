package featureflags

import (
	"context"

	"vortex-royalty/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	// Enabled reports whether the environment flag is on. Unknown flags and
	// lookup failures report false.
	Enabled(ctx context.Context, name string) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	var opts []flagsmith.Option
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, name string) bool {
	if s.client == nil {
		return false
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("flagsmith lookup failed", zap.String("flag", name), zap.Error(err))
		return false
	}

	for _, f := range flags.AllFlags() {
		if f.FeatureName == name {
			return f.Enabled
		}
	}
	return false
}

// Static is a fixed flag set, used when flagsmith is not configured and in tests.
type Static map[string]bool

func (s Static) Enabled(ctx context.Context, name string) bool {
	return s[name]
}
