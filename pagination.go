package chatsync

// PageRequest is the next list call to issue for a scope.
type PageRequest struct {
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

// PageResult is what a successful list call reports back.
type PageResult struct {
	Count      int    `json:"count"`
	Total      int    `json:"total"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// PaginationState is a read-only snapshot of a Paginator.
type PaginationState struct {
	Scope         Scope  `json:"scope" yaml:"scope"`
	Offset        int    `json:"offset" yaml:"offset"`
	Limit         int    `json:"limit" yaml:"limit"`
	Total         int    `json:"total" yaml:"total"`
	HasMore       bool   `json:"has_more" yaml:"has_more"`
	NextCursor    string `json:"next_cursor,omitempty" yaml:"next_cursor,omitempty"`
	IsInitialLoad bool   `json:"is_initial_load" yaml:"is_initial_load"`
}

// Paginator tracks offset, cursor and exhaustion for one scope at a time.
// Only RecordPage moves it forward; Reset is the only way back.
type Paginator struct {
	st PaginationState
}

// NewPaginator creates a paginator with the given page size.
func NewPaginator(limit int) *Paginator {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	p := &Paginator{}
	p.st.Limit = limit
	p.Reset(Scope{})
	return p
}

// Reset starts over for scope.
func (p *Paginator) Reset(scope Scope) {
	p.st = PaginationState{
		Scope:         scope,
		Limit:         p.st.Limit,
		HasMore:       true,
		IsInitialLoad: true,
	}
}

// Scope returns the scope the paginator was last reset for.
func (p *Paginator) Scope() Scope { return p.st.Scope }

// RecordPage folds in a successful page. HasMore never flips back to true.
func (p *Paginator) RecordPage(r PageResult) {
	p.st.IsInitialLoad = false
	if r.Count > 0 {
		p.st.Offset += r.Count
	}
	if r.Total > 0 {
		p.st.Total = r.Total
	}
	p.st.HasMore = p.st.HasMore && r.HasMore
	if r.NextCursor != "" {
		p.st.NextCursor = r.NextCursor
	}
}

// NextPageRequest returns the request for the next page.
func (p *Paginator) NextPageRequest() PageRequest {
	return PageRequest{Offset: p.st.Offset, Limit: p.st.Limit, Cursor: p.st.NextCursor}
}

// HasMore reports whether another page may exist.
func (p *Paginator) HasMore() bool { return p.st.HasMore }

// IsInitialLoad reports whether no page has been recorded since Reset.
func (p *Paginator) IsInitialLoad() bool { return p.st.IsInitialLoad }

// Snapshot returns a copy of the state.
func (p *Paginator) Snapshot() PaginationState { return p.st }
