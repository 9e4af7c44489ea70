package engine

import "context"

var LostIssueRace = lostIssueRace

func (e Engine) AfterLostRace(ctx context.Context, batchID, hash string) (ConfirmResult, bool, error) {
	return e.afterLostRace(ctx, batchID, hash)
}
