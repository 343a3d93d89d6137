package asset

import (
	"context"
	"errors"
	"time"

	"github.com/jacktea/assetgw/pkg/objname"
)

// Failure is one id that could not be deleted.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// DeleteOutcome lists per-id results in input order.
type DeleteOutcome struct {
	Succeeded []string
	Failed    []Failure
}

// AllFailed reports whether no id was deleted.
func (o DeleteOutcome) AllFailed() bool {
	return len(o.Succeeded) == 0 && len(o.Failed) > 0
}

// DeleteBatch deletes every id of a comma separated list. Ids are processed
// in order and independently: a failure is recorded and the batch continues.
func (s *Service) DeleteBatch(ctx context.Context, list string) DeleteOutcome {
	start := time.Now()
	var out DeleteOutcome
	for _, id := range objname.SplitList(list) {
		if err := s.deleteOne(ctx, id); err != nil {
			reason := err.Error()
			if errors.Is(err, ErrNotFound) {
				reason = ReasonNotFound
			}
			out.Failed = append(out.Failed, Failure{ID: id, Reason: reason})
			continue
		}
		out.Succeeded = append(out.Succeeded, id)
	}
	var err error
	if out.AllFailed() {
		err = ErrNotFound
	}
	s.observer.RecordDelete(time.Since(start), len(out.Failed), err)
	return out
}

func (s *Service) deleteOne(ctx context.Context, id string) error {
	key := objname.KeyOf(id)
	_, ok, err := s.store.Head(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn("cache invalidation failed", "key", key, "error", err)
		return err
	}
	s.logger.Debug("asset deleted", "key", key)
	return nil
}
