package easypost

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/parcelhook/internal/faults"
	"github.com/austindbirch/parcelhook/internal/notify"
)

const (
	ObjectEvent        = "Event"
	ModeProduction     = "production"
	DescTrackerUpdated = "tracker.updated"
	StatusDelivered    = "delivered"
)

// Reasons an event is filtered out
const (
	ReasonNotEvent       = "not an event"
	ReasonNotProduction  = "not production mode"
	ReasonNotTracker     = "not a tracker update"
	ReasonNotDelivered   = "tracker not delivered"
	ReasonNoDeliveryInfo = "no delivered tracking detail"
)

// Parse decodes a stored payload. Any decode failure is a PayloadParse fault.
func Parse(payload string) (*Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, faults.New(faults.PayloadParse, "easypost.parse", err)
	}
	return &ev, nil
}

// Match decides whether ev is a parcel delivery. When it is not, the
// returned delivery is nil and reason says why.
func Match(ev *Event, storageID int64) (*notify.Delivery, string, error) {
	switch {
	case ev.Object != ObjectEvent:
		return nil, ReasonNotEvent, nil
	case ev.Mode != ModeProduction:
		return nil, ReasonNotProduction, nil
	case ev.Description != DescTrackerUpdated || ev.Result == nil:
		return nil, ReasonNotTracker, nil
	case ev.Result.Status != StatusDelivered:
		return nil, ReasonNotDelivered, nil
	}

	tr := ev.Result
	first, ok := tr.firstWithStatus(StatusDelivered)
	if !ok {
		return nil, ReasonNoDeliveryInfo, nil
	}
	at, ok := firstTimestamp(first.Datetime, tr.UpdatedAt, ev.UpdatedAt, ev.CreatedAt)
	if !ok {
		return nil, "", faults.Newf(faults.PayloadParse, "easypost.match", "no parseable delivery time (datetime %q)", first.Datetime)
	}

	return &notify.Delivery{
		StorageID:    storageID,
		EventID:      ev.ID,
		TrackingCode: tr.TrackingCode,
		Carrier:      tr.Carrier,
		ShipmentID:   tr.ShipmentID,
		DeliveredAt:  at.UTC(),
		Message:      tr.Summary(),
		PublicURL:    tr.PublicURL,
	}, "", nil
}

// firstTimestamp parses the first RFC 3339 value among candidates. The
// delivered detail's datetime comes first, then the tracker and event stamps.
func firstTimestamp(candidates ...string) (time.Time, bool) {
	for _, c := range candidates {
		if at, err := time.Parse(time.RFC3339, c); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

func (t *Tracker) firstWithStatus(status string) (TrackingDetail, bool) {
	for _, d := range t.TrackingDetails {
		if d.Status == status {
			return d, true
		}
	}
	return TrackingDetail{}, false
}

// latestWithStatus walks the details newest first
func (t *Tracker) latestWithStatus(status string) (TrackingDetail, bool) {
	for i := len(t.TrackingDetails) - 1; i >= 0; i-- {
		if t.TrackingDetails[i].Status == status {
			return t.TrackingDetails[i], true
		}
	}
	return TrackingDetail{}, false
}

// Summary is "<carrier> says: <message> in <city>." for the latest detail
// matching the tracker's status. The city clause is dropped when unknown.
func (t *Tracker) Summary() string {
	d, ok := t.latestWithStatus(t.Status)
	if !ok {
		return fmt.Sprintf("%s says: %s.", t.Carrier, t.Status)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s says: %s", t.Carrier, d.Message)
	if city := d.TrackingLocation.City; city != nil && *city != "" {
		fmt.Fprintf(&b, " in %s", *city)
	}
	b.WriteString(".")
	return b.String()
}
