package metrics

import "time"

// NoopSink is used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PacingDecision(reason string)                                 {}
func (n *NoopSink) DedupVerdict(verdict string)                                  {}
func (n *NoopSink) QueueDepth(depth int)                                         {}
func (n *NoopSink) DispatchAttemptCompleted(dest, class string, d time.Duration) {}
func (n *NoopSink) DispatchOutcome(outcome string)                               {}
func (n *NoopSink) DispatchInFlightIncr()                                        {}
func (n *NoopSink) DispatchInFlightDecr()                                        {}
func (n *NoopSink) WatchTransition(state string)                                 {}
func (n *NoopSink) PollCompleted(err error)                                      {}
func (n *NoopSink) BufferSizeUpdate(size int)                                    {}
func (n *NoopSink) EmitError()                                                   {}
func (n *NoopSink) SweepCompleted(expired, pruned int, err error)                {}
func (n *NoopSink) LeaderStatus(isLeader bool)                                   {}

var _ Sink = (*NoopSink)(nil)
