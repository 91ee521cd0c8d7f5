package models

// PageOptions selects one page of a listing. Page is 1-based.
type PageOptions struct {
	Page  int `json:"page" validate:"gte=1"`
	Limit int `json:"limit" validate:"gte=1"`
}

// PageSizeConfig configures page size normalization.
type PageSizeConfig struct {
	Default int
	Max     int
}

// Normalize applies defaults and limits: a non-positive page becomes 1,
// a non-positive limit becomes cfg.Default and a limit above cfg.Max is
// clamped.
func (o PageOptions) Normalize(cfg PageSizeConfig) PageOptions {
	if o.Page <= 0 {
		o.Page = 1
	}
	if o.Limit <= 0 {
		o.Limit = cfg.Default
	}
	if cfg.Max > 0 && o.Limit > cfg.Max {
		o.Limit = cfg.Max
	}
	if o.Limit <= 0 {
		o.Limit = 1
	}
	return o
}

// Skip returns the number of records preceding the page.
func (o PageOptions) Skip() int64 {
	return int64(o.Page-1) * int64(o.Limit)
}

// DataList is one page of a listing.
type DataList[T any] struct {
	Total     int64 `json:"total"`
	PageCount int64 `json:"page_count"`
	Items     []T   `json:"items"`
}

// NewDataList builds a page with PageCount = ceil(total/limit).
func NewDataList[T any](total int64, limit int, items []T) *DataList[T] {
	if items == nil {
		items = []T{}
	}
	return &DataList[T]{
		Total:     total,
		PageCount: PageCount(total, limit),
		Items:     items,
	}
}

// PageCount returns ceil(total/limit), or 0 when limit is not positive.
func PageCount(total int64, limit int) int64 {
	if limit <= 0 || total <= 0 {
		return 0
	}
	l := int64(limit)
	return (total + l - 1) / l
}
