// Package localtime converts between local wall-clock moments in IANA zones and absolute instants.
//
// Daylight-saving rules: a local time inside a spring-forward gap rolls forward to the first valid
// local time after the gap, and a local time repeated by a fall-back transition resolves to its
// first occurrence.
package localtime
