package livesync

import "context"

// Optimistic is a compensating transaction: the local change is applied
// before the remote call and either committed or compensated depending on
// that call's outcome.
//
// Snapshot captures the state to restore. Apply performs the speculative
// local change. Confirm is the remote call. Commit runs after a successful
// Confirm; Compensate runs after a failed one and receives the snapshot and
// the error.
type Optimistic[S any] struct {
	Snapshot   func() S
	Apply      func()
	Confirm    func(ctx context.Context) error
	Commit     func(snap S)
	Compensate func(ctx context.Context, snap S, err error)
}

// Run executes the transaction and returns Confirm's error.
func (o Optimistic[S]) Run(ctx context.Context) error {
	var snap S
	if o.Snapshot != nil {
		snap = o.Snapshot()
	}
	if o.Apply != nil {
		o.Apply()
	}

	if err := o.Confirm(ctx); err != nil {
		if o.Compensate != nil {
			o.Compensate(ctx, snap, err)
		}
		return err
	}

	if o.Commit != nil {
		o.Commit(snap)
	}
	return nil
}
