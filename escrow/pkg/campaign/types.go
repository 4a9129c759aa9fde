package campaign

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Version is reported by the version view.
const Version = "1.2.0"

// Status is the lifecycle state of a campaign. It only ever moves away from
// StatusActive.
type Status uint8

const (
	StatusActive Status = iota
	StatusSuccessful
	StatusRefunded
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuccessful:
		return "successful"
	case StatusRefunded:
		return "refunded"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "active":
		*s = StatusActive
	case "successful":
		*s = StatusSuccessful
	case "refunded":
		*s = StatusRefunded
	case "cancelled":
		*s = StatusCancelled
	default:
		return fmt.Errorf("unknown campaign status %q", string(b))
	}
	return nil
}

// Terminal reports whether no further contributions or settlement can start.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// PlatformConfig routes a share of a successful campaign to a platform.
type PlatformConfig struct {
	Recipient solana.PublicKey `json:"recipient"`
	FeeBps    uint16           `json:"fee_bps"`
}

// InitParams configures a new campaign.
type InitParams struct {
	Creator         solana.PublicKey `json:"creator"`
	Asset           solana.PublicKey `json:"asset"`
	Goal            uint64           `json:"goal"`
	Deadline        uint64           `json:"deadline"`
	MinContribution uint64           `json:"min_contribution"`
	// HardCap bounds total_raised plus total_pledged. Zero disables it.
	HardCap  uint64          `json:"hard_cap"`
	Platform *PlatformConfig `json:"platform,omitempty"`
	// RewardCollection, when set, mints one collectible per backer on
	// withdrawal.
	RewardCollection *solana.PublicKey `json:"reward_collection,omitempty"`
	// ContributionCooldown is the minimum number of seconds between two
	// contributions from the same principal. Zero disables it.
	ContributionCooldown uint64 `json:"contribution_cooldown"`
	WhitelistEnabled     bool   `json:"whitelist_enabled"`
}

// InvocationArgs lists the parameters a creator signs to authorize
// initialize.
func (p InitParams) InvocationArgs() []any {
	platform := ""
	if p.Platform != nil {
		platform = fmt.Sprintf("%s/%d", p.Platform.Recipient, p.Platform.FeeBps)
	}
	return []any{
		p.Creator, p.Asset, p.Goal, p.Deadline, p.MinContribution, p.HardCap,
		platform, optionalKey(p.RewardCollection), p.ContributionCooldown, p.WhitelistEnabled,
	}
}

// record is the fixed campaign state kept in the instance tier.
type record struct {
	Creator              solana.PublicKey  `json:"creator"`
	Asset                solana.PublicKey  `json:"asset"`
	Goal                 uint64            `json:"goal"`
	HardCap              uint64            `json:"hard_cap"`
	Deadline             uint64            `json:"deadline"`
	MinContribution      uint64            `json:"min_contribution"`
	Status               Status            `json:"status"`
	TotalRaised          uint64            `json:"total_raised"`
	TotalPledged         uint64            `json:"total_pledged"`
	Platform             *PlatformConfig   `json:"platform,omitempty"`
	RewardCollection     *solana.PublicKey `json:"reward_collection,omitempty"`
	ContributionCooldown uint64            `json:"contribution_cooldown"`
	WhitelistEnabled     bool              `json:"whitelist_enabled"`
	// PledgesCollected is set once a collect_pledges pass has visited every
	// pledger.
	PledgesCollected bool `json:"pledges_collected,omitempty"`
	// Refunding is set by the first refund of an active campaign; pledges
	// can no longer be collected after that.
	Refunding bool `json:"refunding,omitempty"`
}

// Metadata is descriptive, creator-owned campaign text.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	SocialLinks []string `json:"social_links,omitempty"`
}

// InvocationArgs lists the fields a creator signs to authorize
// update_metadata. Each social link is its own argument.
func (m Metadata) InvocationArgs() []any {
	args := []any{m.Title, m.Description, len(m.SocialLinks)}
	for _, l := range m.SocialLinks {
		args = append(args, l)
	}
	return args
}

const (
	maxTitleLen       = 128
	maxDescriptionLen = 4096
	maxSocialLinks    = 8
)

func (m Metadata) validate() error {
	if strings.TrimSpace(m.Title) == "" || len(m.Title) > maxTitleLen {
		return ErrInvalidMetadata
	}
	if len(m.Description) > maxDescriptionLen || len(m.SocialLinks) > maxSocialLinks {
		return ErrInvalidMetadata
	}
	return nil
}

// RoadmapItem is one dated milestone.
type RoadmapItem struct {
	Date        uint64 `json:"date"`
	Description string `json:"description"`
}

// Info is the full read-only campaign snapshot.
type Info struct {
	Address              solana.PublicKey  `json:"address"`
	Creator              solana.PublicKey  `json:"creator"`
	Asset                solana.PublicKey  `json:"asset"`
	Goal                 uint64            `json:"goal"`
	HardCap              uint64            `json:"hard_cap"`
	Deadline             uint64            `json:"deadline"`
	MinContribution      uint64            `json:"min_contribution"`
	Status               Status            `json:"status"`
	TotalRaised          uint64            `json:"total_raised"`
	TotalPledged         uint64            `json:"total_pledged"`
	Platform             *PlatformConfig   `json:"platform,omitempty"`
	RewardCollection     *solana.PublicKey `json:"reward_collection,omitempty"`
	ContributionCooldown uint64            `json:"contribution_cooldown"`
	WhitelistEnabled     bool              `json:"whitelist_enabled"`
	Title                string            `json:"title"`
	Description          string            `json:"description"`
	SocialLinks          []string          `json:"social_links,omitempty"`
}

// Stats are derived from current state only.
type Stats struct {
	TotalRaised         uint64 `json:"total_raised"`
	TotalPledged        uint64 `json:"total_pledged"`
	Goal                uint64 `json:"goal"`
	ProgressBps         uint64 `json:"progress_bps"`
	ContributorCount    uint64 `json:"contributor_count"`
	PledgerCount        uint64 `json:"pledger_count"`
	AverageContribution uint64 `json:"average_contribution"`
	LargestContribution uint64 `json:"largest_contribution"`
}

// CollectResult summarizes one collect_pledges call.
type CollectResult struct {
	Collected uint64 `json:"collected"`
	Count     int    `json:"count"`
	Failed    int    `json:"failed"`
	// Outstanding is total_pledged after the call.
	Outstanding uint64 `json:"outstanding"`
	// Complete is set when the call finished a pass over the pledger list.
	Complete bool `json:"complete"`
}

// ExtendResult summarizes one extend_leases call.
type ExtendResult struct {
	Extended int  `json:"extended"`
	Complete bool `json:"complete"`
}

// WithdrawResult is the split of a successful withdrawal.
type WithdrawResult struct {
	Total  uint64 `json:"total"`
	Fee    uint64 `json:"fee"`
	Payout uint64 `json:"payout"`
}

// RefundResult summarizes one batch refund call.
type RefundResult struct {
	Refunded uint64 `json:"refunded"`
	Count    int    `json:"count"`
	// Remaining is total_raised after the call.
	Remaining uint64 `json:"remaining"`
	Status    Status `json:"status"`
}

func optionalKey(p *solana.PublicKey) string {
	if p == nil {
		return ""
	}
	return p.String()
}
