package api

import (
	"net/http"
	"strconv"

	"github.com/libresign/certledger/ledger"
)

// parsePagination reads the "page" and "length" query parameters. Missing
// or invalid values fall back to page 1 and the ledger's default page size;
// length is capped at the ledger's maximum.
func parsePagination(r *http.Request) (page, length int) {
	q := r.URL.Query()

	page = 1
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}

	length = ledger.DefaultPageSize
	if v := q.Get("length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			length = n
		}
	}
	if length > ledger.MaxPageSize {
		length = ledger.MaxPageSize
	}

	return page, length
}
