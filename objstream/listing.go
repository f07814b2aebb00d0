package objstream

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
)

// DefaultChunkSize is the chunk size of the local backends.
const DefaultChunkSize = 2 << 20

// defaultPageSize applies when a listing request carries no page size.
const defaultPageSize = 1000

// namePage is one page of a lexicographic listing.
type namePage struct {
	names    []string
	prefixes []string
	next     string
}

// pageNames pages through sorted names the way object stores do: entries
// after the token, filtered by prefix, with names below a delimiter folded
// into a single prefix entry. The token is the last entry of the previous
// page.
func pageNames(names []string, req ListObjectsRequest) namePage {
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	token := req.PageToken
	// Group entries are always longer than the prefix.
	skipGroup := req.Delimiter != "" && len(token) > len(req.Prefix) &&
		strings.HasSuffix(token, req.Delimiter)

	start := sort.SearchStrings(names, max(req.Prefix, token))

	var page namePage
	entries := 0
	for _, name := range names[start:] {
		if !strings.HasPrefix(name, req.Prefix) {
			break
		}
		if token != "" && (name <= token || skipGroup && strings.HasPrefix(name, token)) {
			continue
		}

		entry := name
		group := false
		if req.Delimiter != "" {
			rest := name[len(req.Prefix):]
			if i := strings.Index(rest, req.Delimiter); i >= 0 {
				entry = req.Prefix + rest[:i+len(req.Delimiter)]
				group = true
			}
		}
		if group && len(page.prefixes) > 0 && page.prefixes[len(page.prefixes)-1] == entry {
			continue
		}

		if entries == size {
			page.next = lastEntry(page)
			return page
		}
		if group {
			page.prefixes = append(page.prefixes, entry)
			// Names under the group sort contiguously; skip them in later pages.
			token, skipGroup = entry, true
		} else {
			page.names = append(page.names, entry)
		}
		entries++
	}
	return page
}

// lastEntry returns the greatest entry of the page.
func lastEntry(p namePage) string {
	var last string
	if n := len(p.names); n > 0 {
		last = p.names[n-1]
	}
	if n := len(p.prefixes); n > 0 && p.prefixes[n-1] > last {
		last = p.prefixes[n-1]
	}
	return last
}

// readRange resolves the byte range [start, end) of a read against an
// object of the given size. A read starting exactly at the end of the object
// is an empty range; one starting past it is OutOfRange.
func readRange(req ReadRequest, size int64) (start, end int64, err error) {
	if req.ReadOffset > size {
		return 0, 0, NewError(codes.OutOfRange,
			fmt.Errorf("read offset %d beyond object size %d", req.ReadOffset, size))
	}
	start, end = req.ReadOffset, size
	if req.Bounded() && req.ReadLimit < end-start {
		end = start + req.ReadLimit
	}
	return start, end, nil
}

// checkGeneration evaluates generation pins and preconditions against the
// current generation of an object.
func checkGeneration(req ReadRequest, current int64) error {
	if g := req.Object.Generation; g != 0 && g != current {
		return fmt.Errorf("objstream: %s: generation %d: %w", req.Object, current, ErrNotFound)
	}
	if g := req.Conditions.IfGenerationMatch; g != 0 && g != current {
		return NewError(codes.FailedPrecondition,
			fmt.Errorf("generation %d does not match %d", current, g))
	}
	return nil
}
