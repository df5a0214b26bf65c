package backend

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

var ErrTooDeepPagination = errors.New("too deep pagination")

// Query describes one PostgREST-style read. Filter values are raw operator
// expressions, e.g. {"application_id": "eq.42", "is_read": "eq.false"}.
type Query struct {
	Select   string
	Filter   map[string]string
	Order    string
	Page     int
	PageSize int
}

func (q Query) Validate() error {

	if q.Page < 1 {
		return fmt.Errorf("page must be positive")
	}

	if q.PageSize < 1 || q.PageSize > 100 {
		return fmt.Errorf("page size must be between 1 and 100")
	}

	maxResults := 10000
	if (q.Page-1)*q.PageSize >= maxResults {
		return ErrTooDeepPagination
	}

	return nil
}

func (q Query) ToUrlParams() url.Values {

	params := url.Values{}

	selectExpr := q.Select
	if selectExpr == "" {
		selectExpr = "*"
	}
	params.Add("select", selectExpr)

	keys := make([]string, 0, len(q.Filter))
	for column := range q.Filter {
		keys = append(keys, column)
	}
	sort.Strings(keys)
	for _, column := range keys {
		params.Add(column, q.Filter[column])
	}

	if q.Order != "" {
		params.Add("order", q.Order)
	}

	params.Add("offset", strconv.Itoa((q.Page-1)*q.PageSize))
	params.Add("limit", strconv.Itoa(q.PageSize))

	return params
}
