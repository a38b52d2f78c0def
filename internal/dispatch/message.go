// Package dispatch delivers protocol messages to the counterparty and serves
// the messages it sends back.
package dispatch

import (
	"github.com/dyluth/accord/pkg/negotiation"
)

// MessageType names a protocol message.
type MessageType string

const (
	TypeContractRequest       MessageType = "ContractRequest"
	TypeContractOffer         MessageType = "ContractOffer"
	TypeContractAgreement     MessageType = "ContractAgreement"
	TypeAgreementVerification MessageType = "AgreementVerification"
	TypeFinalization          MessageType = "Finalization"
	TypeTermination           MessageType = "Termination"
)

// Message is the envelope exchanged between participants.
type Message struct {
	Type            MessageType            `json:"type"`
	ProcessID       string                 `json:"process_id"` // Requester's negotiation id
	SenderID        string                 `json:"sender_id"`
	CallbackAddress string                 `json:"callback_address"`
	Token           string                 `json:"token"`
	Offer           *negotiation.Offer     `json:"offer,omitempty"`
	Agreement       *negotiation.Agreement `json:"agreement,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
}

// ReplyStatus tells the sender how its message was handled.
type ReplyStatus string

const (
	// ReplyAccepted means the message was applied.
	ReplyAccepted ReplyStatus = "accepted"
	// ReplyRejected means the message will never be accepted.
	ReplyRejected ReplyStatus = "rejected"
	// ReplyRetry means the receiver could not apply the message yet.
	ReplyRetry ReplyStatus = "retry"
)

// Reply is the synchronous answer to a Message.
type Reply struct {
	Status ReplyStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Accepted returns an accepted reply.
func Accepted() Reply { return Reply{Status: ReplyAccepted} }

// Rejected returns a rejected reply with the reason.
func Rejected(detail string) Reply { return Reply{Status: ReplyRejected, Detail: detail} }

// Retry returns a retry reply with the reason.
func Retry(detail string) Reply { return Reply{Status: ReplyRetry, Detail: detail} }
