// Package catalog validates and decomposes ArtifactCatalog documents and
// builds the paged aggregation input catalogs the step engine materializes
// for aggregating steps (spec.md §4.2 Case C, §6 ArtifactCatalog schema).
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/models"
)

var validate = validator.New()

// Decode parses and validates a raw ArtifactCatalog document. Validation
// failures are returned as herrors.Classified with ClassValidation so the
// caller can mark the owning WorkItem FAILED without retrying (spec.md §7).
func Decode(body []byte) (*models.ArtifactCatalog, error) {
	var c models.ArtifactCatalog
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, herrors.Classify(herrors.ClassValidation, fmt.Errorf("malformed artifact catalog json: %w", err))
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks struct-level constraints plus the bbox/temporal semantics
// that `validate:"..."` tags alone cannot express (exactly four floats,
// start <= end).
func Validate(c *models.ArtifactCatalog) error {
	if err := validate.Struct(c); err != nil {
		return herrors.Classify(herrors.ClassValidation, fmt.Errorf("artifact catalog failed validation: %w", err))
	}
	for i, item := range c.Items {
		if len(item.BBox) != 0 && len(item.BBox) != 4 {
			return herrors.Classify(herrors.ClassValidation,
				fmt.Errorf("catalog item %d: bbox must have exactly 4 floats [W,S,E,N], got %d", i, len(item.BBox)))
		}
		if item.Temporal != "" {
			if _, _, err := ParseTemporal(item.Temporal); err != nil {
				return herrors.Classify(herrors.ClassValidation, fmt.Errorf("catalog item %d: %w", i, err))
			}
		}
	}
	return nil
}

// ParseTemporal splits and validates the "RFC3339,RFC3339" pair required by
// spec.md §6: exactly two RFC-3339 timestamps, start <= end.
func ParseTemporal(s string) (start, end time.Time, err error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("temporal must be exactly two RFC3339 timestamps separated by a comma, got %q", s)
	}
	start, err = time.Parse(time.RFC3339, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("temporal start is not RFC3339: %w", err)
	}
	end, err = time.Parse(time.RFC3339, strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("temporal end is not RFC3339: %w", err)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("temporal start %s is after end %s", start, end)
	}
	return start, end, nil
}

// ToLinks decomposes a validated catalog's items into Job.Links, stamping
// the deterministic ordering keys (stepIndex, itemID) from §4.5.
func ToLinks(c *models.ArtifactCatalog, stepIndex int, itemID int64) ([]models.Link, error) {
	links := make([]models.Link, 0, len(c.Items))
	for _, item := range c.Items {
		link := models.Link{
			Href:      item.Href,
			Title:     item.Title,
			Type:      item.Type,
			StepIndex: stepIndex,
			ItemID:    itemID,
		}
		if len(item.BBox) == 4 {
			link.BBox = &models.BBox{West: item.BBox[0], South: item.BBox[1], East: item.BBox[2], North: item.BBox[3]}
		}
		if item.Temporal != "" {
			start, end, err := ParseTemporal(item.Temporal)
			if err != nil {
				return nil, herrors.Classify(herrors.ClassValidation, err)
			}
			link.Temporal = &models.Temporal{Start: start, End: end}
		}
		links = append(links, link)
	}
	return links, nil
}

// Merge concatenates the items of several catalogs into one combined set,
// used to build an aggregating step's single input (spec.md §4.2 Case C).
// Order is preserved: catalogs first, then items within each catalog.
func Merge(catalogs ...*models.ArtifactCatalog) []models.CatalogItem {
	var items []models.CatalogItem
	for _, c := range catalogs {
		if c == nil {
			continue
		}
		items = append(items, c.Items...)
	}
	return items
}

// Paginate splits items into one or more ArtifactCatalog pages of at most
// maxPageSize items each, chained with prev/next PagingLinks. hrefFor maps
// a page index (0-based) to the URL that page will be stored at once
// written — the caller must know URLs before writing because pages
// reference each other (spec.md §4.2 Case C, §8 scenario 5).
func Paginate(items []models.CatalogItem, maxPageSize int, hrefFor func(pageIndex int) string) []*models.ArtifactCatalog {
	if maxPageSize <= 0 || len(items) <= maxPageSize {
		return []*models.ArtifactCatalog{{Items: items}}
	}

	var pages []*models.ArtifactCatalog
	for start := 0; start < len(items); start += maxPageSize {
		end := start + maxPageSize
		if end > len(items) {
			end = len(items)
		}
		pages = append(pages, &models.ArtifactCatalog{Items: items[start:end]})
	}

	for i, page := range pages {
		if i > 0 {
			page.PagingLinks = append(page.PagingLinks, models.PagingLink{Rel: "prev", Href: hrefFor(i - 1)})
		}
		if i < len(pages)-1 {
			page.PagingLinks = append(page.PagingLinks, models.PagingLink{Rel: "next", Href: hrefFor(i + 1)})
		}
	}
	return pages
}
