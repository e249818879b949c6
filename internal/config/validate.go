// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks field formats. Missing identity or license is not a
// validation error: the uplink reports those at connect time.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	checkDuration := func(field, v string) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		} else if d <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be positive"})
		}
	}

	if lts := c.LongTermStats; lts != nil {
		if lts.Collector != "" {
			if _, _, err := net.SplitHostPort(lts.Collector); err != nil {
				errs = append(errs, ValidationError{Field: "long_term_stats.collector", Message: err.Error()})
			}
		}
		checkDuration("long_term_stats.submit_interval", lts.SubmitInterval)
		checkDuration("long_term_stats.io_timeout", lts.IOTimeout)
		if lts.TopFlows < 0 {
			errs = append(errs, ValidationError{Field: "long_term_stats.top_flows", Message: "must not be negative"})
		}
		if lts.MaxQueued < 0 {
			errs = append(errs, ValidationError{Field: "long_term_stats.max_queued", Message: "must not be negative"})
		}
	}

	if q := c.Queues; q != nil {
		checkDuration("queues.sweep_interval", q.SweepInterval)
		checkDuration("queues.poll_interval", q.PollInterval)
	}

	if f := c.Flows; f != nil {
		switch f.Source {
		case "", "ebpf", "conntrack", "none":
		default:
			errs = append(errs, ValidationError{Field: "flows.source", Message: fmt.Sprintf("unknown source %q", f.Source)})
		}
		checkDuration("flows.poll_interval", f.PollInterval)
		checkDuration("flows.flow_timeout", f.FlowTimeout)
		checkDuration("flows.closed_grace", f.ClosedGrace)
		checkDuration("flows.cleanup_interval", f.CleanupInterval)
		if f.MaxFlows < 0 {
			errs = append(errs, ValidationError{Field: "flows.max_flows", Message: "must not be negative"})
		}
	}

	if a := c.API; a != nil && a.Enabled && a.Listen != "" {
		if _, _, err := net.SplitHostPort(a.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "api.listen", Message: err.Error()})
		}
	}

	return errs
}
