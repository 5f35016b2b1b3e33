// Package calendar holds the event model and the pure scheduling rules:
// recurrence matching, next-occurrence expansion and due-event selection.
//
// Every time value is treated as a local wall-clock value. Comparisons use
// the calendar fields (year, month, day, time of day) and never convert
// between zones.
package calendar
