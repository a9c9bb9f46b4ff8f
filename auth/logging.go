package auth

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// loggingBroker wraps a Broker with structured logging, following
// the decorator pattern of the teacher's distributor.loggingService
// (distributor/logging.go): Submit and the outcome of each attempt
// are logged at level.Debug on success and level.Info/level.Error on
// failure, tagged with "method" and the attempt's mechanism, without
// changing the wrapped Broker's return values. IsConnected and
// Mechanisms are passed through without logging.
type loggingBroker struct {
	logger log.Logger
	next   Broker
}

// NewLoggingBroker wraps next with logger.
func NewLoggingBroker(next Broker, logger log.Logger) Broker {
	return &loggingBroker{logger: logger, next: next}
}

func (b *loggingBroker) IsConnected() bool {
	return b.next.IsConnected()
}

func (b *loggingBroker) Mechanisms(secured bool) []string {
	return b.next.Mechanisms(secured)
}

func (b *loggingBroker) Submit(ctx context.Context, mech string, initial []byte, meta Metadata) (*Attempt, error) {

	logger := log.With(b.logger,
		"method", "Submit",
		"mech", mech,
		"peer_ip", meta.PeerIP,
		"secured", meta.Secured,
	)

	attempt, err := b.next.Submit(ctx, mech, initial, meta)
	if err != nil {
		level.Error(logger).Log("msg", "failed to submit authentication attempt", "err", err)
		return nil, err
	}

	level.Debug(logger).Log("msg", "submitted authentication attempt")

	return wrapAttemptLogging(attempt, logger), nil
}

// wrapAttemptLogging returns an Attempt whose Result channel is
// observed and logged as it resolves, without altering the value the
// caller receives on it.
func wrapAttemptLogging(attempt *Attempt, logger log.Logger) *Attempt {

	wrapped, contCh, resultCh := NewAttempt(attempt.Continue, attempt.Abort)

	go func() {
		for c := range attempt.Continuation() {
			contCh <- c
		}
	}()

	go func() {
		outcome, ok := <-attempt.Result()
		if !ok {
			close(resultCh)
			return
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			level.Debug(logger).Log("msg", "authentication attempt succeeded", "virtual_user", outcome.VirtualUser)
		case OutcomeFailure:
			level.Info(logger).Log("msg", "authentication attempt failed", "reason", outcome.Reason)
		case OutcomeInternalError:
			level.Error(logger).Log("msg", "authentication attempt errored internally", "reason", outcome.Reason)
		}

		resultCh <- outcome
		close(resultCh)
	}()

	return wrapped
}
