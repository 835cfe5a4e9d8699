package offline

import (
	"context"

	"github.com/lu-zhengda/mailcore/internal/provider"
)

type DrainResult struct {
	Mutations ReplayResult `json:"mutations"`
	Outbox    OutboxResult `json:"outbox"`
}

// Drain flushes the mutation queue of account and then its outbox, so a
// reply never reaches the server before the state changes made before it.
func Drain(ctx context.Context, r *Replayer, o *Outbox, account string, mb provider.Mailbox) (DrainResult, error) {
	var res DrainResult
	var err error
	if res.Mutations, err = r.Flush(ctx, account, mb); err != nil {
		return res, err
	}
	if res.Outbox, err = o.Flush(ctx, account, mb); err != nil {
		return res, err
	}
	return res, nil
}
