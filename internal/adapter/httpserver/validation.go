package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/givehub/crm-relay/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeAndValidate decodes a JSON body into v and runs struct validation.
// Both failure modes surface as ErrInvalidArgument.
func decodeAndValidate(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, name)
	}
	return n, nil
}

// parseAuditFilter reads the shared audit filter query parameters. Column
// filters arrive as a JSON array in the "filters" parameter.
func parseAuditFilter(r *http.Request) (domain.AuditFilter, error) {
	q := r.URL.Query()
	var f domain.AuditFilter
	var err error

	if f.Page, err = queryInt(r, "page", 0); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		return f, err
	}
	f.Action = q.Get("action")
	f.Method = q.Get("method")
	f.Search = q.Get("search")
	f.SalesforceScoped = q.Get("salesforce") == "true"

	if raw := q.Get("status_code"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("%w: status_code must be an integer", domain.ErrInvalidArgument)
		}
		f.StatusCode = &code
	}
	if raw := q.Get("is_delivered"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("%w: is_delivered must be a boolean", domain.ErrInvalidArgument)
		}
		f.IsDelivered = &v
	}
	if raw := q.Get("user_id"); raw != "" {
		f.UserID = &raw
	}
	if raw := q.Get("start_date"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%w: start_date must be RFC3339", domain.ErrInvalidArgument)
		}
		f.StartDate = &ts
	}
	if raw := q.Get("end_date"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%w: end_date must be RFC3339", domain.ErrInvalidArgument)
		}
		f.EndDate = &ts
	}
	if raw := q.Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.ColumnFilters); err != nil {
			return f, fmt.Errorf("%w: filters must be a JSON array of column filters", domain.ErrInvalidArgument)
		}
	}
	return f, nil
}
