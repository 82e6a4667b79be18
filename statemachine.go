package powerauth

// State machine guards. Every public operation calls one of these before any
// cryptographic or network work starts, so illegal-state failures are cheap
// and leave no side effects.
//
// Legal transitions:
//
//	(no record)        --CreateActivation-->  pending (in memory)
//	pending            --CommitActivation-->  StatusValid (persisted)
//	pending            --RemoveLocal------->  (no record)
//	StatusValid        --RemoveActivation*->  (no record)
//	StatusBlocked      --RemoveActivation*->  (no record)
//	StatusValid        --server status----->  StatusBlocked | StatusRemoved | StatusDeadlock

// guardCanStartActivation verifies a new activation may begin.
func (pa *PowerAuth) guardCanStartActivation() error {
	if pa.pending != nil {
		return newError(ErrInvalidActivationState, "activation already pending commit")
	}
	if pa.record != nil {
		return newError(ErrInvalidActivationState, "activation already present: "+pa.record.Status.String())
	}
	return nil
}

// guardCanCommit verifies a pending activation is waiting for commit.
func (pa *PowerAuth) guardCanCommit() error {
	if pa.pending == nil {
		return newError(ErrInvalidActivationState, "no pending activation to commit")
	}
	return nil
}

// guardHasActivation verifies any committed activation exists, regardless of
// its status. Used by remove and status operations.
func (pa *PowerAuth) guardHasActivation() error {
	if pa.record == nil {
		return newError(ErrMissingActivation, "no activation present")
	}
	return nil
}

// guardRemovableActivation verifies the activation may still be removed with
// authentication. Removal is the one signed operation legal from the Blocked
// status, so a blocked device can still clean up its server-side record.
func (pa *PowerAuth) guardRemovableActivation() error {
	if pa.record == nil {
		return newError(ErrMissingActivation, "no activation present")
	}
	switch pa.record.Status {
	case StatusValid, StatusBlocked:
		return nil
	case StatusRemoved:
		return newError(ErrInvalidActivationState, "activation was removed")
	default:
		return newError(ErrInvalidActivationState, "activation is not removable: "+pa.record.Status.String())
	}
}

// guardValidActivation verifies the activation is in the Valid status. All
// signing and vault operations require this.
func (pa *PowerAuth) guardValidActivation() error {
	if pa.record == nil {
		return newError(ErrMissingActivation, "no activation present")
	}
	switch pa.record.Status {
	case StatusValid:
		return nil
	case StatusBlocked:
		return newError(ErrInvalidActivationState, "activation is blocked")
	case StatusRemoved:
		return newError(ErrInvalidActivationState, "activation was removed")
	case StatusDeadlock:
		return newError(ErrInvalidActivationState, "activation is in deadlock")
	default:
		return newError(ErrInvalidActivationState, "activation is not valid: "+pa.record.Status.String())
	}
}
