package platform

import "context"

// FetchFunc queries one chunk of ids. It returns the descriptors the provider reported, keyed by
// requested id. Ids missing from the map are resolved with the absent callback of Batch.
type FetchFunc func(ctx context.Context, chunk []string) (map[string]*Descriptor, error)

// Batch splits ids into chunks of size, calls fetch once per chunk and maps every requested id
// back to its own Result:
//   - a chunk that fails with an IO error marks only that chunk's ids as IOError;
//   - a rate-limited chunk marks its ids and every remaining id RateLimited without further calls;
//   - ids the provider omitted get absent(id), which is NotFound for most entity types and an
//     offline descriptor for "is this channel live" queries.
//
// Duplicate and empty ids are ignored.
func Batch(ctx context.Context, ids []string, size int, fetch FetchFunc, absent func(id string) Result) map[string]Result {
	if size <= 0 {
		size = 1
	}
	if absent == nil {
		absent = func(string) Result { return NotFound() }
	}
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	out := make(map[string]Result, len(unique))
	for start := 0; start < len(unique); start += size {
		end := start + size
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]

		if err := ctx.Err(); err != nil {
			for _, id := range unique[start:] {
				out[id] = IOError(err)
			}
			return out
		}

		found, err := fetch(ctx, chunk)
		if err != nil {
			if rl, ok := AsRateLimit(err); ok {
				for _, id := range unique[start:] {
					out[id] = RateLimited(rl.RetryAfter)
				}
				return out
			}
			for _, id := range chunk {
				out[id] = IOError(err)
			}
			continue
		}
		for _, id := range chunk {
			if d, ok := found[id]; ok && d != nil {
				out[id] = Found(d)
			} else {
				out[id] = absent(id)
			}
		}
	}
	return out
}

// FirstRateLimit returns the largest RetryAfter among rate-limited results, and whether any
// result was rate limited.
func FirstRateLimit(results map[string]Result) (*RateLimitError, bool) {
	var rl *RateLimitError
	for _, r := range results {
		if r.Status != StatusRateLimited {
			continue
		}
		if rl == nil || r.RetryAfter > rl.RetryAfter {
			rl = &RateLimitError{RetryAfter: r.RetryAfter}
		}
	}
	return rl, rl != nil
}
