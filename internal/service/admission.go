package service

import (
	"context"

	"github.com/Sentinel-Gate/ratekeeper/internal/domain/ratelimit"
)

// Admission is the entry point callers use to ask whether an operation may
// proceed for a subject.
type Admission struct {
	coordinator *Coordinator
}

// NewAdmission creates an Admission backed by coordinator.
func NewAdmission(coordinator *Coordinator) *Admission {
	return &Admission{coordinator: coordinator}
}

// TryAdmit checks the registered operation for subject. It never fails.
func (a *Admission) TryAdmit(ctx context.Context, operation, subject string) ratelimit.Decision {
	return a.coordinator.Check(ctx, ratelimit.ByName(operation), subject)
}

// TryAdmitRef checks subject against an arbitrary config reference.
func (a *Admission) TryAdmitRef(ctx context.Context, ref ratelimit.ConfigRef, subject string) ratelimit.Decision {
	return a.coordinator.Check(ctx, ref, subject)
}

// RetryAfterMs returns how many milliseconds a denied caller should wait.
func (a *Admission) RetryAfterMs(d ratelimit.Decision) int64 {
	rl := ratelimit.RateLimitedError{RetryAfter: d.RetryAfter(a.coordinator.Now())}
	return rl.RetryAfterMs()
}

// WithAdmission runs work only if operation is admitted for subject.
//
// When denied, onRejected is called with the decision if non-nil; otherwise a
// *ratelimit.RateLimitedError is returned. Errors from work and onRejected are
// returned unchanged.
func WithAdmission[T any](
	ctx context.Context,
	a *Admission,
	operation, subject string,
	work func(context.Context) (T, error),
	onRejected func(ratelimit.Decision) (T, error),
) (T, error) {
	return WithAdmissionRef(ctx, a, ratelimit.ByName(operation), subject, work, onRejected)
}

// WithAdmissionRef is WithAdmission for an arbitrary config reference.
func WithAdmissionRef[T any](
	ctx context.Context,
	a *Admission,
	ref ratelimit.ConfigRef,
	subject string,
	work func(context.Context) (T, error),
	onRejected func(ratelimit.Decision) (T, error),
) (T, error) {
	d := a.coordinator.Check(ctx, ref, subject)
	if d.Allowed {
		return work(ctx)
	}

	if onRejected != nil {
		return onRejected(d)
	}

	var zero T
	return zero, &ratelimit.RateLimitedError{
		Operation:  refName(ref),
		RetryAfter: d.RetryAfter(a.coordinator.Now()),
	}
}

// Do runs fn if operation is admitted for subject, else returns a
// *ratelimit.RateLimitedError.
func (a *Admission) Do(ctx context.Context, operation, subject string, fn func(context.Context) error) error {
	_, err := WithAdmission(ctx, a, operation, subject,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		},
		nil,
	)
	return err
}

// Coordinator returns the underlying Coordinator.
func (a *Admission) Coordinator() *Coordinator {
	return a.coordinator
}

func refName(ref ratelimit.ConfigRef) string {
	switch r := ref.(type) {
	case ratelimit.ByName:
		return string(r)
	case ratelimit.InlineRef:
		return r.Name
	default:
		return ""
	}
}
