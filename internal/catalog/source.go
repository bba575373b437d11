package catalog

import (
	"context"

	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/pkg/provider"
)

// Source fetches one page of the upstream catalog. pageCount is the total
// number of pages the upstream reports, or zero when it does not say.
type Source interface {
	FetchPage(ctx context.Context, page, perPage int) (entries []domain.CatalogEntry, pageCount int, err error)
}

// ProviderSource pages the catalog through the provider client
type ProviderSource struct {
	client *provider.Client
	kind   string
}

// NewProviderSource creates a source. A non-empty kind restricts the listing
// to one game type.
func NewProviderSource(client *provider.Client, kind string) *ProviderSource {
	return &ProviderSource{client: client, kind: kind}
}

// FetchPage implements Source
func (p *ProviderSource) FetchPage(ctx context.Context, page, perPage int) ([]domain.CatalogEntry, int, error) {
	resp, err := p.client.ListGames(ctx, provider.ListGamesRequest{Page: page, PerPage: perPage, Type: p.kind})
	if err != nil {
		return nil, 0, err
	}

	entries := make([]domain.CatalogEntry, 0, len(resp.Items))
	for _, g := range resp.Items {
		entries = append(entries, g.Entry())
	}
	return entries, resp.Meta.PageCount, nil
}
