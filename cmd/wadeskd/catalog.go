package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sipeed/wadesk/pkg/tools"
)

// staticCatalog implements tools.CatalogSource from a JSON file on
// disk — spec.md never specifies catalog storage beyond "send_catalogs
// produces a set of outbound media messages", so a flat brand list is
// the simplest concrete source that satisfies the tool without
// inventing a CMS or database schema nothing else in the spec needs.
//
// File shape:
//
//	[
//	  {"brand": "acme", "media_url": "https://...", "caption": "...", "has_prices": true},
//	  ...
//	]
type staticCatalog struct {
	items []tools.CatalogItem
}

func loadStaticCatalog(path string) (*staticCatalog, error) {
	if path == "" {
		return &staticCatalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %q: %w", path, err)
	}
	var raw []struct {
		Brand     string `json:"brand"`
		MediaURL  string `json:"media_url"`
		Caption   string `json:"caption"`
		HasPrices bool   `json:"has_prices"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog file %q: %w", path, err)
	}
	items := make([]tools.CatalogItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, tools.CatalogItem{
			Brand:     r.Brand,
			MediaURL:  r.MediaURL,
			Caption:   r.Caption,
			HasPrices: r.HasPrices,
		})
	}
	return &staticCatalog{items: items}, nil
}

// Catalogs returns every configured item whose brand is in brands (all
// of them if brands is empty), filtered to has_prices items only when
// withPrices is requested.
func (c *staticCatalog) Catalogs(brands []string, withPrices bool) ([]tools.CatalogItem, error) {
	wanted := make(map[string]bool, len(brands))
	for _, b := range brands {
		wanted[b] = true
	}
	out := make([]tools.CatalogItem, 0, len(c.items))
	for _, item := range c.items {
		if len(wanted) > 0 && !wanted[item.Brand] {
			continue
		}
		if withPrices && !item.HasPrices {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
