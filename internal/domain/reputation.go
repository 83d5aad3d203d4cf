package domain

import (
	"fmt"
	"time"
)

// ReputationKind is what a reputation entry describes.
type ReputationKind string

const (
	ReputationIP    ReputationKind = "ip"
	ReputationEmail ReputationKind = "email"
)

// ParseReputationKind validates a reputation kind name.
func ParseReputationKind(s string) (ReputationKind, error) {
	switch k := ReputationKind(s); k {
	case ReputationIP, ReputationEmail:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown reputation kind %q", ErrValidation, s)
	}
}

// Reputation is a locally maintained risk entry for an IP address or an
// email address. Email entries are keyed by a hash; the address itself is
// never stored.
type Reputation struct {
	Kind       ReputationKind `json:"kind"`
	Key        string         `json:"key"`
	RiskScore  float64        `json:"riskScore"`
	Country    string         `json:"country,omitempty"`
	Proxy      bool           `json:"proxy,omitempty"`
	VPN        bool           `json:"vpn,omitempty"`
	Disposable bool           `json:"disposable,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
