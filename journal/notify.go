package journal

import (
	"fmt"

	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/record"
	"go.dedis.ch/medchain/state"
)

// SubmissionLogger adapts a Journal into a record.Notifier. The entry
// carries only the record id, the owner and the timestamp.
type SubmissionLogger struct {
	J *Journal
}

// Submitted implements record.Notifier.
func (s SubmissionLogger) Submitted(tx state.Tx, id record.ID, owner identity.ID, when int64) error {
	msg := fmt.Sprintf("id=%s owner=%s when=%d", id, owner, when)
	return s.J.Append(tx, "submission", msg)
}
