package model

import "time"

// VerificationStatus is the verification lifecycle of a phone number.
type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "pending_verification"
	VerificationVerified    VerificationStatus = "verified"
	VerificationNotVerified VerificationStatus = "not_verified"
	VerificationInvalid     VerificationStatus = "invalid"
)

// DeliveryStatus is the provider-reported lifecycle of a single message.
type DeliveryStatus string

const (
	DeliveryQueued      DeliveryStatus = "queued"
	DeliverySending     DeliveryStatus = "sending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryRead        DeliveryStatus = "read"
	DeliveryUndelivered DeliveryStatus = "undelivered"
	DeliveryFailed      DeliveryStatus = "failed"
)

type PhoneNumber struct {
	ID                             int64              `json:"id"`
	Number                         string             `json:"phoneNumber"`
	Status                         VerificationStatus `json:"status"`
	HasReceivedVerificationMessage bool               `json:"hasReceivedVerificationMessage"`
	CreatedAt                      time.Time          `json:"createdAt"`
	UpdatedAt                      time.Time          `json:"updatedAt"`
}

type Campaign struct {
	ID           int64     `json:"id"`
	SentAt       time.Time `json:"sentAt"`
	TemplateUsed string    `json:"templateUsed"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Message struct {
	ID               int64          `json:"id"`
	PhoneNumberID    int64          `json:"phoneNumberId"`
	CampaignID       *int64         `json:"campaignId"`
	SentAt           time.Time      `json:"sentAt"`
	TemplateUsed     string         `json:"templateUsed"`
	ProviderSID      *string        `json:"providerSid"`
	MessageStatus    DeliveryStatus `json:"messageStatus"`
	ResponseReceived *string        `json:"responseReceived"`
	RespondedAt      *time.Time     `json:"respondedAt"`
	ErrorCode        *int           `json:"errorCode"`
	ErrorMessage     *string        `json:"errorMessage"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}
