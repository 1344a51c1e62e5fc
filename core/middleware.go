package core

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// TurnFunc processes one turn for a session; it is the seam middleware
// wraps, generalized from teleflow's per-update HandlerFunc to "handle one
// dialogue turn" (core/middleware_types.go).
type TurnFunc func(ctx context.Context, sessionID, utterance string) (*TurnResult, error)

// MiddlewareFunc decorates a TurnFunc, the same shape as teleflow's
// MiddlewareFunc(next HandlerFunc) HandlerFunc chain.
type MiddlewareFunc func(next TurnFunc) TurnFunc

// chainMiddleware composes mws around base in registration order, so the
// first middleware passed to Engine.Use runs outermost.
func chainMiddleware(base TurnFunc, mws ...MiddlewareFunc) TurnFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// LoggingMiddleware logs each turn's start, duration, and outcome through
// the supplied logger, the generalization of teleflow's LoggingMiddleware.
func LoggingMiddleware(log *logrus.Logger) MiddlewareFunc {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, sessionID, utterance string) (*TurnResult, error) {
			start := time.Now()
			log.WithField("session", sessionID).Debug("processing turn")

			res, err := next(ctx, sessionID, utterance)

			entry := log.WithField("session", sessionID).WithField("duration", time.Since(start))
			if err != nil {
				entry.WithError(err).Error("turn failed")
			} else {
				entry.Debug("turn completed")
			}
			return res, err
		}
	}
}

// RecoveryMiddleware converts a panic from step execution or an external
// collaborator (action handler, NLU provider, validator) into an error
// instead of crashing the process, mirroring teleflow's documented
// RecoveryMiddleware.
func RecoveryMiddleware(log *logrus.Logger) MiddlewareFunc {
	return func(next TurnFunc) TurnFunc {
		return func(ctx context.Context, sessionID, utterance string) (res *TurnResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("session", sessionID).Errorf("recovered panic: %v", r)
					err = fmt.Errorf("internal error processing turn for session %q", sessionID)
				}
			}()
			return next(ctx, sessionID, utterance)
		}
	}
}
