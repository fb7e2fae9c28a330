package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Record is a raw provider-native record. It does not leave the sync
// loop: the mapper converts it to canonical types immediately.
type Record map[string]any

// Filter narrows a fetch. Zero values mean "no constraint".
type Filter struct {
	// Resource overrides the client's default feed (e.g. "Member").
	Resource string
	// Statuses are provider-native status values, matched with OR.
	Statuses     []string
	PropertyType string
	// ModifiedSince is applied upstream only when the pager supports it.
	ModifiedSince time.Time
	// Limit overrides the page size for this fetch.
	Limit int
}

// Page is one page of results. Next is empty when the traversal is done.
type Page struct {
	Records []Record
	Next    string
	// Total is the server-reported total, or -1 when not reported.
	Total int
}

// Requester performs an authenticated, rate-limited, retried GET.
type Requester interface {
	GetJSON(ctx context.Context, rawURL string, out any) error
}

// Pager is a pagination strategy. Implementations interpret the cursor
// they return from FetchPage; callers treat it as opaque.
type Pager interface {
	Protocol() Protocol
	// SupportsModifiedSince reports whether Filter.ModifiedSince is sent
	// upstream.
	SupportsModifiedSince() bool
	// FetchPage fetches the page at cursor ("" for the first page).
	FetchPage(ctx context.Context, r Requester, filter Filter, cursor string) (Page, error)
}

// OffsetPager pages with ?limit=N&offset=M against a {success, status,
// bundle, total} envelope.
type OffsetPager struct {
	BaseURL     string
	Resource    string
	PageSize    int
	MaxPageSize int
}

type offsetEnvelope struct {
	Success *bool    `json:"success"`
	Status  any      `json:"status"`
	Bundle  []Record `json:"bundle"`
	Total   *int     `json:"total"`
}

func (p *OffsetPager) Protocol() Protocol { return ProtocolOffset }

// SupportsModifiedSince is false: the offset protocol has no server-side
// change filter, so callers receive the full filtered set.
func (p *OffsetPager) SupportsModifiedSince() bool { return false }

// limit is the page size for filter, capped at MaxPageSize.
func (p *OffsetPager) limit(filter Filter) int {
	n := p.PageSize
	if filter.Limit > 0 {
		n = filter.Limit
	}
	if p.MaxPageSize > 0 && n > p.MaxPageSize {
		n = p.MaxPageSize
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// URL builds the request URL for offset.
func (p *OffsetPager) URL(filter Filter, offset int) string {
	resource := p.Resource
	if filter.Resource != "" {
		resource = filter.Resource
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(p.limit(filter)))
	q.Set("offset", strconv.Itoa(offset))
	if len(filter.Statuses) > 0 {
		q.Set("StandardStatus", strings.Join(filter.Statuses, ","))
	}
	if filter.PropertyType != "" {
		q.Set("PropertyType", filter.PropertyType)
	}
	return strings.TrimRight(p.BaseURL, "/") + "/" + url.PathEscape(resource) + "?" + q.Encode()
}

// FetchPage fetches the page at the decimal offset in cursor. The next
// cursor is empty after a short page or once the reported total is reached.
func (p *OffsetPager) FetchPage(ctx context.Context, r Requester, filter Filter, cursor string) (Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid offset cursor %q", cursor)
		}
		offset = n
	}

	var env offsetEnvelope
	if err := r.GetJSON(ctx, p.URL(filter, offset), &env); err != nil {
		return Page{}, err
	}
	if env.Success != nil && !*env.Success {
		return Page{}, &Error{Kind: KindTerminal, Message: fmt.Sprintf("provider reported failure (status %v)", env.Status)}
	}

	page := Page{Records: env.Bundle, Total: -1}
	if env.Total != nil {
		page.Total = *env.Total
	}

	next := offset + len(env.Bundle)
	switch {
	case len(env.Bundle) < p.limit(filter):
	case page.Total >= 0 && next >= page.Total:
	default:
		page.Next = strconv.Itoa(next)
	}
	return page, nil
}

// CursorPager pages an OData feed by following @odata.nextLink verbatim.
type CursorPager struct {
	BaseURL  string
	Resource string
	PageSize int
	Expand   []string
}

type cursorEnvelope struct {
	Value    []Record `json:"value"`
	NextLink string   `json:"@odata.nextLink"`
	Count    *int     `json:"@odata.count"`
}

func (p *CursorPager) Protocol() Protocol { return ProtocolCursor }

func (p *CursorPager) SupportsModifiedSince() bool { return true }

// URL builds the first-page request URL for filter.
func (p *CursorPager) URL(filter Filter) string {
	resource := p.Resource
	if filter.Resource != "" {
		resource = filter.Resource
	}
	top := p.PageSize
	if filter.Limit > 0 {
		top = filter.Limit
	}

	q := url.Values{}
	if top > 0 {
		q.Set("$top", strconv.Itoa(top))
	}
	if expr := ODataFilter(filter); expr != "" {
		q.Set("$filter", expr)
	}
	if len(p.Expand) > 0 && (filter.Resource == "" || filter.Resource == p.Resource) {
		q.Set("$expand", strings.Join(p.Expand, ","))
	}
	u := strings.TrimRight(p.BaseURL, "/") + "/" + url.PathEscape(resource)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// ODataFilter renders filter as an OData $filter expression.
func ODataFilter(filter Filter) string {
	var clauses []string
	if len(filter.Statuses) > 0 {
		var ors []string
		for _, s := range filter.Statuses {
			ors = append(ors, fmt.Sprintf("StandardStatus eq %s", odataString(s)))
		}
		if len(ors) == 1 {
			clauses = append(clauses, ors[0])
		} else {
			clauses = append(clauses, "("+strings.Join(ors, " or ")+")")
		}
	}
	if filter.PropertyType != "" {
		clauses = append(clauses, fmt.Sprintf("PropertyType eq %s", odataString(filter.PropertyType)))
	}
	if !filter.ModifiedSince.IsZero() {
		clauses = append(clauses, "ModificationTimestamp gt "+filter.ModifiedSince.UTC().Format(time.RFC3339))
	}
	return strings.Join(clauses, " and ")
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FetchPage fetches the first page when cursor is empty and otherwise
// requests cursor as given. Relative next links resolve against BaseURL.
func (p *CursorPager) FetchPage(ctx context.Context, r Requester, filter Filter, cursor string) (Page, error) {
	target := p.URL(filter)
	if cursor != "" {
		resolved, err := p.resolve(cursor)
		if err != nil {
			return Page{}, err
		}
		target = resolved
	}

	var env cursorEnvelope
	if err := r.GetJSON(ctx, target, &env); err != nil {
		return Page{}, err
	}
	page := Page{Records: env.Value, Next: env.NextLink, Total: -1}
	if env.Count != nil {
		page.Total = *env.Count
	}
	return page, nil
}

func (p *CursorPager) resolve(next string) (string, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("invalid next link %q: %w", next, err)
	}
	if u.IsAbs() {
		return next, nil
	}
	base, err := url.Parse(strings.TrimRight(p.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}
