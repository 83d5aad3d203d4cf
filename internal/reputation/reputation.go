// Package reputation keeps a local store of risky IP addresses and email
// addresses and scores transactions against it.
package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metadata keys a transaction carries its lookups under.
const (
	MetaIPAddress = "ip_address"
	MetaEmail     = "email"
)

// Risk factors raised from reputation entries.
const (
	FactorProxyIP         = "proxy_ip"
	FactorVPNIP           = "vpn_ip"
	FactorDisposableEmail = "disposable_email"
)

const (
	ipWeight    = 0.5
	emailWeight = 0.3
)

var validate = validator.New()

// Assessment is the reputation view of one transaction.
type Assessment struct {
	Score   float64
	Factors []string
}

// Update reports the reputation of one IP or email address.
type Update struct {
	Kind       string  `json:"kind" validate:"required,oneof=ip email"`
	Value      string  `json:"value" validate:"required,max=320"`
	RiskScore  float64 `json:"riskScore" validate:"gte=0,lte=1"`
	Country    string  `json:"country,omitempty" validate:"omitempty,len=2"`
	Proxy      bool    `json:"proxy,omitempty"`
	VPN        bool    `json:"vpn,omitempty"`
	Disposable bool    `json:"disposable,omitempty"`
}

// Service reads and maintains reputation entries in the repository.
type Service struct {
	repo domain.Repository
	now  func() time.Time
}

// NewService creates a reputation service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Report validates u and stores it, replacing any earlier entry for the
// same address.
func (s *Service) Report(ctx context.Context, u *Update) (*domain.Reputation, error) {
	if err := validate.Struct(u); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	kind, err := domain.ParseReputationKind(u.Kind)
	if err != nil {
		return nil, err
	}
	key, err := Key(kind, u.Value)
	if err != nil {
		return nil, err
	}

	rep := &domain.Reputation{
		Kind:       kind,
		Key:        key,
		RiskScore:  u.RiskScore,
		Country:    strings.ToUpper(u.Country),
		Proxy:      u.Proxy,
		VPN:        u.VPN,
		Disposable: u.Disposable,
		UpdatedAt:  s.now().UTC(),
	}
	if err := s.repo.SaveReputation(ctx, rep); err != nil {
		return nil, fmt.Errorf("persist reputation: %w", err)
	}
	return rep, nil
}

// Key returns the store key for a raw address: the canonical form of an
// IP, or the hex SHA-256 of the trimmed lower-cased email.
func Key(kind domain.ReputationKind, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case domain.ReputationIP:
		ip := net.ParseIP(value)
		if ip == nil {
			return "", fmt.Errorf("%w: invalid ip address %q", domain.ErrValidation, value)
		}
		return ip.String(), nil
	case domain.ReputationEmail:
		if !strings.Contains(value, "@") {
			return "", fmt.Errorf("%w: invalid email address", domain.ErrValidation)
		}
		sum := sha256.Sum256([]byte(strings.ToLower(value)))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%w: unknown reputation kind %q", domain.ErrValidation, kind)
	}
}

// Assess looks up tx's IP address and email. Absent metadata, unparseable
// addresses and unknown addresses contribute nothing. The score is
// 0.5 x ip risk + 0.3 x email risk, capped at 1.
func (s *Service) Assess(ctx context.Context, tx *domain.Transaction) (Assessment, error) {
	var a Assessment

	ip, err := s.lookup(ctx, domain.ReputationIP, tx.Metadata[MetaIPAddress])
	if err != nil {
		return a, err
	}
	if ip != nil {
		a.Score += ip.RiskScore * ipWeight
		if ip.Proxy {
			a.Factors = append(a.Factors, FactorProxyIP)
		}
		if ip.VPN {
			a.Factors = append(a.Factors, FactorVPNIP)
		}
	}

	email, err := s.lookup(ctx, domain.ReputationEmail, tx.Metadata[MetaEmail])
	if err != nil {
		return a, err
	}
	if email != nil {
		a.Score += email.RiskScore * emailWeight
		if email.Disposable {
			a.Factors = append(a.Factors, FactorDisposableEmail)
		}
	}

	a.Score = math.Min(a.Score, 1)
	return a, nil
}

func (s *Service) lookup(ctx context.Context, kind domain.ReputationKind, value string) (*domain.Reputation, error) {
	if value == "" {
		return nil, nil
	}
	key, err := Key(kind, value)
	if err != nil {
		return nil, nil
	}

	rep, err := s.repo.GetReputation(ctx, kind, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s reputation: %w", kind, err)
	}
	return rep, nil
}

// MergeFactors returns the sorted union of the comma separated processor
// factors and the factors of a.
func MergeFactors(processor string, a Assessment) []string {
	var out []string
	for _, f := range strings.Split(processor, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	out = append(out, a.Factors...)
	slices.Sort(out)
	return slices.Compact(out)
}
