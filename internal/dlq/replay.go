package dlq

import (
	"context"
	"fmt"
	"log"
)

// Intake resubmits a buried envelope into the front of the pipeline. The
// ingest layer implements this; lineage is the original request id and ends
// up in the new record's processing metadata.
type Intake interface {
	Resubmit(ctx context.Context, e *Entry) (newRequestID string, err error)
}

// Replayer performs operator-driven replays with the replay-once guarantee.
type Replayer struct {
	store  *Store
	intake Intake
	logger *log.Logger
}

// NewReplayer wires a replayer over the DLQ store and the ingest intake.
func NewReplayer(store *Store, intake Intake) *Replayer {
	return &Replayer{
		store:  store,
		intake: intake,
		logger: log.New(log.Writer(), "[DLQ] ", log.LstdFlags),
	}
}

// Replay resubmits one dead-lettered request as a fresh request and consumes
// the entry. A second replay of the same entry returns ErrAlreadyReplayed;
// an entry quarantined with replay_eligible=false returns ErrReplayIneligible.
// The new request carries its own request id; the DLQ row keeps the lineage
// and the outcome of the attempt.
func (r *Replayer) Replay(ctx context.Context, requestID string) (string, error) {
	entry, err := r.store.Get(ctx, requestID)
	if err != nil {
		return "", err
	}
	if entry.ReplayedRequestID != "" {
		return "", fmt.Errorf("%w: replayed as %s", ErrAlreadyReplayed, entry.ReplayedRequestID)
	}
	if !entry.ReplayEligible {
		if rerr := r.store.recordReplayOutcome(ctx, requestID, ReplayRejected); rerr != nil {
			r.logger.Printf("record rejected replay of %s: %v", requestID, rerr)
		}
		return "", ErrReplayIneligible
	}

	newID, err := r.intake.Resubmit(ctx, entry)
	if err != nil {
		if rerr := r.store.recordReplayOutcome(ctx, requestID, ReplayFailed); rerr != nil {
			r.logger.Printf("record failed replay of %s: %v", requestID, rerr)
		}
		return "", fmt.Errorf("resubmit %s: %w", requestID, err)
	}

	if err := r.store.markReplayed(ctx, requestID, newID); err != nil {
		// Lost a race with a concurrent replay. The resubmitted request is
		// already in flight; report the conflict rather than hiding it.
		return "", err
	}

	r.logger.Printf("replayed %s as %s", requestID, newID)
	return newID, nil
}
