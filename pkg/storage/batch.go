package storage

import "context"

// StoreEach is the sequential StoreBatch used by backends without a native
// bulk write. It stops at the first failure and returns the ids stored so far.
func StoreEach(ctx context.Context, a Adapter, recs []*Record) ([]string, error) {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		id, err := a.Store(ctx, rec)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RetrieveEach is the sequential RetrieveBatch. Missing ids are skipped.
func RetrieveEach(ctx context.Context, a Adapter, collection string, ids []string) ([]*Record, error) {
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := a.Retrieve(ctx, collection, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteEach is the sequential DeleteBatch.
func DeleteEach(ctx context.Context, a Adapter, collection string, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		ok, err := a.Delete(ctx, collection, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
