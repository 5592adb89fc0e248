// Package ledger records pipeline runs in a SQLite database.
//
// Each run gets one row in runs, one row per state it entered in
// transitions, and one row per image reference in tags. The ledger is
// append-mostly: a run's row is updated as it progresses and finalized when
// it reaches done or failed.
//
//	l, err := ledger.Open(paths.Ledger())
//	if err != nil {
//	    return err
//	}
//	defer l.Close()
//
//	runs, err := l.List(ctx, 20)
package ledger
