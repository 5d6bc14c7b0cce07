// Package timefmt holds the timestamp formats shared by the inbox file
// format and the wire protocol.
package timefmt

import "time"

// Org is the org-mode inactive timestamp layout used in message headers
// and the STARTED_AT/COMPLETED_AT properties. Minute precision.
const Org = "[2006-01-02 Mon 15:04]"

// IDStamp is the UTC layout embedded in message ids
// (msg-YYYYMMDD-HHMMSS-<author>).
const IDStamp = "20060102-150405"

// OrgStamp formats a time as an org inactive timestamp in t's own
// location (callers passing time.Now() get local time).
func OrgStamp(t time.Time) string {
	return t.Format(Org)
}

// Stamp formats a time as the UTC second-precision stamp used in ids.
func Stamp(t time.Time) string {
	return t.UTC().Format(IDStamp)
}
