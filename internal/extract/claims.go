package extract

import (
	"fmt"
	"time"

	"github.com/pitabwire/casedesk/model"
)

var (
	claimID = Chain[string]{StringAt("claimId"), StringAt("id"), StringAt("_id")}

	claimCustomer = Chain[string]{
		StringAt("customerName"),
		StringAt("customer_name"),
		StringAt("user", "name"),
		func(payload any) (string, bool) {
			uid, ok := StringAt("userId")(payload)
			if !ok {
				return "", false
			}
			return "Customer #" + uid, true
		},
	}

	claimAmount     = Chain[float64]{NumberAt("amount"), NumberAt("claimAmount")}
	claimType       = Chain[string]{StringAt("claimType"), StringAt("claim_type"), StringAt("type")}
	claimStatus     = Chain[string]{StringAt("status")}
	claimAssignedTo = Chain[string]{StringAt("assignedTo"), StringAt("assigned_to")}
	claimCreatedAt  = Chain[time.Time]{TimeAt("createdAt"), TimeAt("created_at"), TimeAt("submittedAt")}
)

// Defaults for claim fields the platform omitted.
const (
	DefaultClaimCustomer   = "Unknown Customer"
	DefaultClaimType       = "General"
	DefaultClaimAssignedTo = "AI Agent"
	DefaultClaimTime       = "just now"
)

// ClaimRow maps a raw claim document to the pipeline row shape.
func ClaimRow(doc map[string]any, now time.Time) model.ClaimRow {
	row := model.ClaimRow{
		ID:         claimID.Extract(doc, ""),
		Customer:   claimCustomer.Extract(doc, DefaultClaimCustomer),
		Amount:     claimAmount.Extract(doc, 0),
		Type:       claimType.Extract(doc, DefaultClaimType),
		Status:     claimStatus.Extract(doc, model.ClaimNewClaim),
		AssignedTo: claimAssignedTo.Extract(doc, DefaultClaimAssignedTo),
		Time:       DefaultClaimTime,
	}
	if created := claimCreatedAt.Extract(doc, time.Time{}); !created.IsZero() {
		row.Time = RelativeAge(created, now)
	}
	return row
}

// ClaimRows maps every document, keeping the platform's order.
func ClaimRows(docs []map[string]any, now time.Time) []model.ClaimRow {
	rows := make([]model.ClaimRow, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, ClaimRow(d, now))
	}
	return rows
}

// FilterClaims keeps rows whose status equals status. An empty status or
// "all" keeps everything.
func FilterClaims(rows []model.ClaimRow, status string) []model.ClaimRow {
	if status == "" || status == "all" {
		return rows
	}
	out := make([]model.ClaimRow, 0, len(rows))
	for _, r := range rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// TimeAt extracts a timestamp at path. Strings in RFC 3339 or naive ISO form
// are accepted, as are epoch milliseconds.
func TimeAt(keys ...string) Extractor[time.Time] {
	return func(payload any) (time.Time, bool) {
		v, ok := Lookup(payload, keys...)
		if !ok {
			return time.Time{}, false
		}
		if s, ok := v.(string); ok {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t, true
				}
			}
			return time.Time{}, false
		}
		if ms, ok := Number(v); ok && ms > 0 {
			return time.UnixMilli(int64(ms)), true
		}
		return time.Time{}, false
	}
}

// RelativeAge renders the age of t as "5 mins ago".
func RelativeAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return DefaultClaimTime
	case d < time.Hour:
		return plural(int(d/time.Minute), "min")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
