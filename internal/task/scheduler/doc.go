// Package scheduler drives periodic triggers (cron expressions or fixed
// intervals) on top of robfig/cron.
//
// dailycast registers one trigger, the broadcast tick, but the service is
// generic: each registered Job runs with panic recovery and is skipped while
// its previous run is still in progress.
package scheduler
