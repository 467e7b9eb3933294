// Package dedup derives the stable idempotency key for inbound envelopes and
// maintains the cross-partition recent window used to catch duplicates that
// land outside the current inbox partition.
package dedup

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// Key derives the deterministic dedupe key for an envelope:
// hash(endpoint_identity || sender.identity || external_event_id).
// The same envelope always maps to the same key, which is what makes
// ingest idempotent under connector retry.
func Key(env *contract.Envelope) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(env.Source.EndpointIdentity))
	h.Write([]byte{0})
	h.Write([]byte(env.Sender.Identity))
	h.Write([]byte{0})
	h.Write([]byte(env.Event.ExternalEventID))
	return hex.EncodeToString(h.Sum(nil))
}
