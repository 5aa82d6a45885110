package replay

import (
	"context"
	"strings"

	"github.com/rcowham/p4transfer/model"
)

const utf16FallbackBinary = model.Binary

// submitWithRecovery implements spec §4.5's "Submit with recovery": on any
// out-of-date error, sync -k every opened file and submit once more (which
// flags earlier steps of the change used is not checked); on a
// content-translation error on UTF-16 files, reopen them as binary and
// retry. Other failures propagate.
func (t *TargetReplayer) submitWithRecovery(ctx context.Context, description string) (int, error) {
	change, err := t.Client.Submit(ctx, description)
	if err == nil {
		return change, nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "out of date"):
		opened, oerr := t.Client.OpenedFiles(ctx)
		if oerr != nil {
			return 0, err
		}
		for _, local := range opened {
			if serr := t.Client.SyncKeep(ctx, local, 0); serr != nil {
				t.warnf("resync-before-resubmit failed for %s: %v", local, serr)
			}
		}
		return t.Client.Submit(ctx, description)

	case strings.Contains(msg, "translation of file content failed"):
		opened, oerr := t.Client.OpenedFiles(ctx)
		if oerr != nil {
			return 0, err
		}
		for _, local := range opened {
			if rerr := t.Client.Reopen(ctx, local, utf16FallbackBinary); rerr != nil {
				t.warnf("reopen-as-binary-before-resubmit failed for %s: %v", local, rerr)
			}
		}
		return t.Client.Submit(ctx, description)

	default:
		return 0, err
	}
}
