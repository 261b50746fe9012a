package bus

import "time"

// Envelope is one reassembled logical message, produced once per envelope id.
type Envelope struct {
	ID          string    `json:"id"`
	Link        string    `json:"link"`
	SenderID    string    `json:"sender_id"`
	Destination string    `json:"destination,omitempty"`
	Channel     int       `json:"channel"`
	Direct      bool      `json:"direct"`
	Text        string    `json:"text"`
	SNR         float64   `json:"snr,omitempty"`
	RSSI        int       `json:"rssi,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// SessionKey maps a sender to its conversation session namespace.
func (e Envelope) SessionKey() string {
	return e.SenderID
}
