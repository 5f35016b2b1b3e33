// Package notifier turns a due calendar event into one outbound message.
//
// A dispatch resolves the destination chat, renders the recipient mentions
// (roles before users) and an HTML card describing the event, then makes a
// single send through the transport. Failed sends are reported to the caller
// and never retried here.
//
// # History
//
// For operator visibility, the dispatcher keeps a small in-memory ring of
// recent dispatch outcomes, shown by /cal status.
package notifier
