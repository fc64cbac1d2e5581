package strategy

import "errors"

var (
	// ErrUnknownStrategy is returned by New for an unregistered name.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrPrecondition means live or desired state lacks data the strategy
	// requires, such as a name, a label, an annotation or a creation timestamp.
	ErrPrecondition = errors.New("precondition failed")

	// ErrNoMatchingPods means a Service selector matches no pods, so the
	// Service is not cut over.
	ErrNoMatchingPods = errors.New("service selector does not match any pods")

	// ErrStaleService means the live Service was updated after this rollout
	// started.
	ErrStaleService = errors.New("service has been updated since this rollout started")

	// ErrReserveViolation means pruning would leave fewer backups than
	// NumDesiredReserve.
	ErrReserveViolation = errors.New("too many backup deployments flagged for deletion")
)
