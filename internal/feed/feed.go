// Package feed renders the change log as an RSS document.
package feed

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"modelwatch/internal/catalog"
)

// Render builds the RSS document for the given change events, which are
// expected newest first. Model descriptions are free text controlled by
// the upstream catalog and never enter the feed, only field names and
// structured values do.
func Render(changes []catalog.Change, siteURL string, now time.Time) ([]byte, error) {
	base := strings.TrimRight(siteURL, "/")

	f := &feeds.Feed{
		Title:       "Model Catalog Changes",
		Link:        &feeds.Link{Href: base + "/"},
		Description: "Additions, removals and updates in the tracked model catalog.",
		Created:     now,
	}

	for _, change := range changes {
		f.Items = append(f.Items, &feeds.Item{
			Title:       itemTitle(change),
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/api/model?id=%s", base, url.QueryEscape(change.ID))},
			Description: itemDescription(change),
			Id:          fmt.Sprintf("%s:%s:%d", change.Type, change.ID, change.Timestamp.Unix()),
			Created:     change.Timestamp,
		})
	}

	rss, err := f.ToRss()
	if err != nil {
		return nil, fmt.Errorf("failed to render feed: %w", err)
	}
	return []byte(rss), nil
}

func itemTitle(change catalog.Change) string {
	name := change.ID
	if change.Model != nil && change.Model.Name != "" {
		name = change.Model.Name
	}

	switch change.Type {
	case catalog.ChangeAdded:
		return "Model added: " + name
	case catalog.ChangeRemoved:
		return "Model removed: " + name
	default:
		return "Model changed: " + name
	}
}

func itemDescription(change catalog.Change) string {
	switch change.Type {
	case catalog.ChangeAdded:
		if change.Model != nil && change.Model.ContextLength > 0 {
			return fmt.Sprintf("New model %s with a context length of %d.", change.ID, change.Model.ContextLength)
		}
		return fmt.Sprintf("New model %s.", change.ID)

	case catalog.ChangeRemoved:
		return fmt.Sprintf("Model %s was removed from the catalog.", change.ID)

	default:
		paths := make([]string, 0, len(change.Changes))
		for path := range change.Changes {
			paths = append(paths, path)
		}
		sort.Strings(paths)

		lines := make([]string, 0, len(paths))
		for _, path := range paths {
			if path == "description" {
				// Free text stays out of the feed.
				lines = append(lines, "description updated")
				continue
			}
			fc := change.Changes[path]
			lines = append(lines, fmt.Sprintf("%s changed from %v to %v", path, fc.Old, fc.New))
		}
		return strings.Join(lines, "; ")
	}
}
