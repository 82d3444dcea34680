package task

import "time"

// Query pagination bounds.
const (
	DefaultQueryLimit = 20
	MaxQueryLimit     = 100
)

// QueryFilter selects tasks for paginated listing. Nil fields do not
// constrain the result.
type QueryFilter struct {
	Status        *Status    `json:"status,omitempty"`
	Priority      *Priority  `json:"priority,omitempty"`
	Platform      *string    `json:"platform,omitempty"`
	Language      *string    `json:"language,omitempty"`
	EngineName    *string    `json:"engine_name,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	HasResult     *bool      `json:"has_result,omitempty"`
	HasError      *bool      `json:"has_error,omitempty"`
	Limit         int        `json:"limit"`
	Offset        int        `json:"offset"`
}

// Normalize clamps pagination to the accepted bounds.
func (f *QueryFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// QueryResult is one page of tasks plus the pagination cursor.
type QueryResult struct {
	Tasks      []*Task `json:"tasks"`
	TotalCount int64   `json:"total_count"`
	HasMore    bool    `json:"has_more"`
	NextOffset *int64  `json:"next_offset"`
}
