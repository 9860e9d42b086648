// Package health tracks provider reachability from the outcome of status polls.
package health

import (
	"time"

	"github.com/g960059/sigbridge/internal/config"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

type Policy struct {
	DownFailures     int
	DownWindow       time.Duration
	RecoverSuccesses int
}

func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		DownFailures:     cfg.PollDegradedFailures,
		DownWindow:       cfg.PollMaxDuration,
		RecoverSuccesses: 2,
	}
}

type State struct {
	Current              Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func Next(p Policy, state State, success bool, now time.Time) State {
	if state.Current == "" {
		state.Current = StatusOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != StatusOK && state.ConsecutiveSuccesses >= p.RecoverSuccesses {
			state.Current = StatusOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case StatusOK:
		state.Current = StatusDegraded
		state.LastTransitionAt = now
	case StatusDegraded:
		if p.DownWindow > 0 && now.Sub(state.LastTransitionAt) > p.DownWindow {
			// Window expired; this failure opens a new degraded window.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= p.DownFailures {
			state.Current = StatusDown
			state.LastTransitionAt = now
		}
	case StatusDown:
		// stays down until RecoverSuccesses polls succeed
	}
	return state
}
