// Package scheduler is the calendar poll loop.
//
// A robfig/cron entry fires every poll interval. Each tick reads all events,
// selects the due ones, and hands each to the task engine as an independent
// work unit that dispatches the notification and then retires the event.
// Ticks never wait for dispatches; Stop only prevents new ticks.
//
// The fired ledger remembers id@occurrence keys so that an occurrence seen by
// two consecutive ticks (inclusive window bounds) or again after a restart
// is dispatched once.
package scheduler
