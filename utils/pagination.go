package utils

import "strconv"

const pageSizeDefault = 20
const pageSizeMax = 100

// PaginationFromQuery parses offset/limit query values into usable pagination
// bounds. Empty or malformed values fall back to the defaults and the limit
// is capped at a maximum value.
func PaginationFromQuery(offsetValue, limitValue string) (int, int) {
	finalOffset := 0
	finalLimit := pageSizeDefault

	if offset, err := strconv.Atoi(offsetValue); err == nil && offset >= 0 {
		finalOffset = offset
	}

	if limit, err := strconv.Atoi(limitValue); err == nil && limit > 0 {
		finalLimit = min(limit, pageSizeMax)
	}

	return finalOffset, finalLimit
}
