package query

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/stratacms/strata/common"
)

// ParseWhere decodes the JSON where parameter carried by list requests.
func ParseWhere(raw string) (Where, error) {
	if raw == "" {
		return nil, nil
	}
	var w map[string]any
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, common.E(common.KindBadRequest, "where is not valid JSON").WithCause(err)
	}
	return Where(w), nil
}

// ParseOrder decodes the orderBy parameter: comma separated field names, a
// leading dash meaning descending ("-createdAt,title").
func ParseOrder(raw string) []Order {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]Order, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			out = append(out, Order{Field: part[1:], Desc: true})
		} else {
			out = append(out, Order{Field: part})
		}
	}
	return out
}

// ParseLimit clamps the limit parameter into [0, max]; empty input yields the
// given default.
func ParseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// ParseOffset decodes the offset parameter; invalid input yields zero.
func ParseOffset(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
