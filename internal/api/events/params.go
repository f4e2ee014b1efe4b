package events

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/query"
)

const dateOnly = "2006-01-02"

// parseFilter reads the event filters from the query string. List parameters accept both
// the plain and the bracketed form, repeated (?action=a&action[]=b).
func parseFilter(q url.Values) (query.FilterSpec, error) {
	var f query.FilterSpec

	start, err := parseTime(q.Get("startDate"), "startDate", false)
	if err != nil {
		return f, err
	}
	end, err := parseTime(q.Get("endDate"), "endDate", true)
	if err != nil {
		return f, err
	}
	f.StartDate, f.EndDate = start, end

	f.Actions = listParam(q, "action")
	f.Statuses = listParam(q, "status")
	f.ActorType = strings.TrimSpace(q.Get("actorType"))
	f.ActorID = q.Get("actorId")
	f.ResourceType = q.Get("resourceType")
	f.ResourceID = q.Get("resourceId")
	f.IPAddress = q.Get("ipAddress")
	f.MetadataText = q.Get("metadataText")
	return f, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare endDate covers the whole day.
func parseTime(raw, field string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return nil, &query.ValidationError{Field: field, Message: "must be an RFC 3339 timestamp or YYYY-MM-DD"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func listParam(q url.Values, name string) []string {
	var out []string
	for _, key := range []string{name, name + "[]"} {
		for _, v := range q[key] {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// parseLimit returns 0 for an absent limit so the service applies its default
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &query.ValidationError{Field: "limit", Message: "must be an integer"}
	}
	return n, nil
}

func parseBool(raw, field string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &query.ValidationError{Field: field, Message: "must be true or false"}
	}
	return b, nil
}
