// Package easypost decodes EasyPost webhook events and decides which ones
// are parcel deliveries worth acting on.
package easypost

// https://www.easypost.com/docs/api#events

type TrackingLocation struct {
	Object  string  `json:"object"`
	City    *string `json:"city"`
	State   *string `json:"state"`
	Country *string `json:"country"`
	Zip     *string `json:"zip"`
}

type CarrierDetail struct {
	Object                      string           `json:"object"`
	Service                     *string          `json:"service"`
	ContainerType               *string          `json:"container_type"`
	EstDeliveryDateLocal        *string          `json:"est_delivery_date_local"`
	EstDeliveryTimeLocal        *string          `json:"est_delivery_time_local"`
	OriginLocation              string           `json:"origin_location"`
	OriginTrackingLocation      TrackingLocation `json:"origin_tracking_location"`
	DestinationLocation         string           `json:"destination_location"`
	DestinationTrackingLocation TrackingLocation `json:"destination_tracking_location"`
	GuaranteedDeliveryDate      *string          `json:"guaranteed_delivery_date"`
	AlternateIdentifier         *string          `json:"alternate_identifier"`
	InitialDeliveryAttempt      *string          `json:"initial_delivery_attempt"`
}

type TrackingDetail struct {
	Object           string           `json:"object"`
	Message          string           `json:"message"`
	Description      *string          `json:"description"`
	Status           string           `json:"status"` // pre_transit, in_transit, out_for_delivery, delivered, ...
	StatusDetail     string           `json:"status_detail"`
	Datetime         string           `json:"datetime"` // ISO 8601
	Source           string           `json:"source"`
	CarrierCode      string           `json:"carrier_code"`
	TrackingLocation TrackingLocation `json:"tracking_location"`
}

type Tracker struct {
	ID              string           `json:"id"`
	Object          string           `json:"object"`
	Mode            string           `json:"mode"`
	TrackingCode    string           `json:"tracking_code"`
	Status          string           `json:"status"`
	StatusDetail    string           `json:"status_detail"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	SignedBy        *string          `json:"signed_by"`
	Weight          *float64         `json:"weight"`
	EstDeliveryDate *string          `json:"est_delivery_date"`
	ShipmentID      string           `json:"shipment_id"`
	Carrier         string           `json:"carrier"`
	TrackingDetails []TrackingDetail `json:"tracking_details"`
	CarrierDetail   *CarrierDetail   `json:"carrier_detail"`
	Finalized       bool             `json:"finalized"`
	IsReturn        bool             `json:"is_return"`
	PublicURL       string           `json:"public_url"`
}

type Attributes struct {
	Status string `json:"status"`
}

// Event is the webhook envelope; Result is a Tracker for tracker.* events
type Event struct {
	ID                 string      `json:"id"`
	Object             string      `json:"object"`
	Mode               string      `json:"mode"`
	Description        string      `json:"description"`
	Status             string      `json:"status"` // completed, failed, in_queue, retrying
	UserID             string      `json:"user_id"`
	CreatedAt          string      `json:"created_at"`
	UpdatedAt          string      `json:"updated_at"`
	PreviousAttributes *Attributes `json:"previous_attributes"`
	PendingURLs        []string    `json:"pending_urls"`
	CompletedURLs      []string    `json:"completed_urls"`
	Result             *Tracker    `json:"result"`
}
