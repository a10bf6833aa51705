package main

import (
	"context"

	"github.com/ferncliff/spotbridge/internal/ui"
	"github.com/urfave/cli/v3"
)

// Limits prints the active rate limiting and abuse protection settings.
func (r *Runner) Limits(ctx context.Context, cmd *cli.Command) error {
	limits := r.config.Limits

	if cmd.Bool("json") {
		return r.writeJSON(limits, true)
	}

	r.writePlain("%s\n", ui.Title("Rate Limits"))
	r.writePlain("Per user:   %d/min  %d/hour  %d/day\n", limits.UserPerMinute, limits.UserPerHour, limits.UserPerDay)
	r.writePlain("Global:     %d/min, %d concurrent\n", limits.GlobalPerMinute, limits.MaxConcurrent)
	r.writePlain("Abuse:      %d failures in %ds blocks for %ds\n", limits.AbuseThreshold, limits.AbuseWindowSecs, limits.BlockDurationSecs)
	r.writePlain("Breaker:    opens at %.0f%% failures over %d requests, cools down %ds\n",
		limits.BreakerFailureRatio*100, limits.BreakerMinRequests, limits.BreakerCooldownSecs)

	if len(limits.Tools) > 0 {
		r.writePlain("\n%s\n", ui.Title("Tool Limits"))
		for name, tool := range limits.Tools {
			r.writePlain("%-12s %d/min", name, tool.PerMinute)
			if tool.CooldownSecs > 0 {
				r.writePlain("  cooldown %ds", tool.CooldownSecs)
			}
			r.writePlain("\n")
		}
	}

	if r.governor != nil {
		r.writePlain("\nIn flight: %d\n", r.governor.InFlight())
		if r.governor.BreakerOpen() {
			r.writePlain("%s\n", ui.Fail("Circuit breaker: open"))
		} else {
			r.writePlain("%s\n", ui.OK("Circuit breaker: closed"))
		}
	}

	return nil
}
