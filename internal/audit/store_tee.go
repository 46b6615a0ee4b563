package audit

import "context"

// TeeStore fans appends out to several sinks, e.g. local file segments plus
// a fleet postgres backend. Reads come from the first sink; append errors
// surface from whichever sink failed first.
type TeeStore struct {
	stores []Store
}

// NewTee creates a tee over the given sinks. At least one is required.
func NewTee(stores ...Store) *TeeStore {
	return &TeeStore{stores: stores}
}

// Append writes to every sink.
func (t *TeeStore) Append(ctx context.Context, rec Record) error {
	for _, s := range t.stores {
		if err := s.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// ListByIncident reads from the primary sink.
func (t *TeeStore) ListByIncident(ctx context.Context, incidentID string) ([]Record, error) {
	return t.stores[0].ListByIncident(ctx, incidentID)
}

// ListRecent reads from the primary sink.
func (t *TeeStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	return t.stores[0].ListRecent(ctx, limit)
}
