// Package scheduler arms, fires and reconciles reminder jobs.
//
// The record store is the source of truth; the registry is rebuilt from it by Recover. Each fire
// runs on the task engine and re-reads its row under the per-reminder lock before delivering, so
// cancels, rekeys and late fires resolve against the store rather than against timer precision.
//
// One-off reminders move none -> warned -> fired -> deleted. The warning and the exact stage are
// armed independently; stage order is enforced at fire time. A daily digest is a singleton row per
// user whose trigger rolls to the next local DigestAt after each fire.
package scheduler
