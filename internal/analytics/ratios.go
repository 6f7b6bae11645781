package analytics

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/apperrors"
	"github.com/MarcoPoloResearchLab/pulse/internal/catalog"
)

// Ratios are engagement and conversion rates over a set of totals. Both rates are zero without views.
type Ratios struct {
	Views          int64   `json:"views"`
	Likes          int64   `json:"likes"`
	Comments       int64   `json:"comments"`
	Shares         int64   `json:"shares"`
	NetGrowth      int64   `json:"net_growth"`
	EngagementRate float64 `json:"engagement_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// NewRatios computes rates from raw totals.
func NewRatios(views, likes, comments, shares, netGrowth int64) Ratios {
	ratios := Ratios{Views: views, Likes: likes, Comments: comments, Shares: shares, NetGrowth: netGrowth}
	if views > 0 {
		ratios.EngagementRate = float64(likes+comments+shares) / float64(views)
		ratios.ConversionRate = float64(netGrowth) / float64(views)
	}
	return ratios
}

func ratiosOf(growth Growth) Ratios {
	return NewRatios(growth.Views, growth.Likes, growth.Comments, growth.Shares, growth.NetGrowth)
}

// Efficiency compares platforms and content formats over a period.
type Efficiency struct {
	Period       Range             `json:"period"`
	Platforms    map[string]Ratios `json:"platforms"`
	Combined     Ratios            `json:"combined"`
	ContentTypes map[string]Ratios `json:"content_types"`
}

// Efficiency derives platform ratios from the daily series of r and format ratios from the
// lifetime metrics of posts published in r.
func (s *Service) Efficiency(ctx context.Context, userID string, r Range) (Efficiency, error) {
	daily, err := s.DailyGrowth(ctx, userID, r)
	if err != nil {
		return Efficiency{}, apperrors.New(opEfficiency, "daily_failed", err)
	}
	posts, err := s.catalog.List(ctx, catalog.Filter{
		UserID:        userID,
		PublishedFrom: s.startOf(r),
		PublishedTo:   s.endOf(r),
	})
	if err != nil {
		s.logError(opEfficiency, "catalog_query_failed", err)
		return Efficiency{}, apperrors.New(opEfficiency, "catalog_query_failed", err)
	}
	return s.efficiency(r, daily, posts), nil
}

func (s *Service) efficiency(r Range, daily []DailyPoint, posts []catalog.Post) Efficiency {
	perPlatform := make(map[string]Growth, len(s.platforms))
	for _, p := range s.platforms {
		perPlatform[p.String()] = Growth{}
	}
	combined := Growth{}
	for _, point := range daily {
		for name, growth := range point.Platforms {
			total := perPlatform[name]
			total.add(growth)
			perPlatform[name] = total
			combined.add(growth)
		}
	}

	result := Efficiency{
		Period:       r,
		Platforms:    make(map[string]Ratios, len(perPlatform)),
		Combined:     ratiosOf(combined),
		ContentTypes: map[string]Ratios{},
	}
	for name, growth := range perPlatform {
		result.Platforms[name] = ratiosOf(growth)
	}

	byType := map[string]Growth{}
	for _, post := range posts {
		total := byType[post.ContentType]
		total.Views += post.Metrics.Views
		total.Likes += post.Metrics.Likes
		total.Comments += post.Metrics.Comments
		total.Shares += post.Metrics.EffectiveShares()
		total.NetGrowth += post.Metrics.SubscribersGained
		byType[post.ContentType] = total
	}
	for name, growth := range byType {
		result.ContentTypes[name] = ratiosOf(growth)
	}
	return result
}

func (s *Service) startOf(r Range) time.Time {
	return r.Start.Start(s.location)
}

func (s *Service) endOf(r Range) time.Time {
	return r.End.AddDays(1).Start(s.location)
}
