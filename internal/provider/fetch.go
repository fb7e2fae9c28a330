package provider

import (
	"context"
	"errors"
)

// PageFunc receives each page in fetch order with its 1-based page number.
// Returning an error stops the traversal and is returned by Walk.
type PageFunc func(page int, records []Record) error

// ProgressFunc is called after each page with the cumulative record count.
type ProgressFunc func(page, cumulative int)

// FetchPage fetches a single page. cursor is "" for the first page.
func (c *Client) FetchPage(ctx context.Context, filter Filter, cursor string) (Page, error) {
	page, err := c.pager.FetchPage(ctx, c, filter, cursor)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Provider == "" {
			pe.Provider = c.cfg.Name
		}
		return Page{}, err
	}
	c.count(func(s *Stats) {
		s.Pages++
		s.Records += len(page.Records)
	})
	return page, nil
}

// Walk drives pagination to exhaustion, or until maxRecords records have
// been delivered when maxRecords > 0, calling fn once per page. Pages
// already delivered stay delivered if a later page fails.
func (c *Client) Walk(ctx context.Context, filter Filter, maxRecords int, fn PageFunc) error {
	if err := c.Authenticate(); err != nil {
		return err
	}
	if maxRecords > 0 && (filter.Limit <= 0 || filter.Limit > maxRecords) {
		filter.Limit = min(c.cfg.PageSize, maxRecords)
	}

	cursor := ""
	delivered := 0
	for pageNum := 1; ; pageNum++ {
		page, err := c.FetchPage(ctx, filter, cursor)
		if err != nil {
			return err
		}

		records := page.Records
		if maxRecords > 0 && delivered+len(records) > maxRecords {
			records = records[:maxRecords-delivered]
		}
		delivered += len(records)

		if err := fn(pageNum, records); err != nil {
			return err
		}
		if page.Next == "" || (maxRecords > 0 && delivered >= maxRecords) {
			return nil
		}
		cursor = page.Next
	}
}

// FetchAll collects every record matching filter. progress, when non-nil,
// is called after each page.
func (c *Client) FetchAll(ctx context.Context, filter Filter, maxRecords int, progress ProgressFunc) ([]Record, error) {
	var all []Record
	err := c.Walk(ctx, filter, maxRecords, func(page int, records []Record) error {
		all = append(all, records...)
		if progress != nil {
			progress(page, len(all))
		}
		return nil
	})
	if err != nil {
		return all, err
	}
	return all, nil
}

// Test authenticates and fetches a single record.
func (c *Client) Test(ctx context.Context) (int, error) {
	if err := c.Authenticate(); err != nil {
		return 0, err
	}
	page, err := c.FetchPage(ctx, Filter{Limit: 1}, "")
	if err != nil {
		return 0, err
	}
	return len(page.Records), nil
}
