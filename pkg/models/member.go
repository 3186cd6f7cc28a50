package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RankTier представляет ранг участника в реферальной иерархии
type RankTier int

const (
	RankNone RankTier = iota
	RankThreeStar
	RankFiveStar
	RankSevenStar
	RankMegaStar
	RankGigaStar
)

// RankTiers упорядоченный список рангов, дающих право на бонусы
var RankTiers = []RankTier{RankThreeStar, RankFiveStar, RankSevenStar, RankMegaStar, RankGigaStar}

var rankNames = map[RankTier]string{
	RankNone:      "none",
	RankThreeStar: "three_star",
	RankFiveStar:  "five_star",
	RankSevenStar: "seven_star",
	RankMegaStar:  "mega_star",
	RankGigaStar:  "giga_star",
}

// String возвращает имя ранга
func (r RankTier) String() string {
	if name, ok := rankNames[r]; ok {
		return name
	}
	return fmt.Sprintf("rank(%d)", int(r))
}

// IsValid проверяет валидность ранга
func (r RankTier) IsValid() bool {
	_, ok := rankNames[r]
	return ok
}

// ParseRankTier разбирает имя ранга
func ParseRankTier(s string) (RankTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for tier, name := range rankNames {
		if name == s {
			return tier, nil
		}
	}
	return RankNone, fmt.Errorf("неизвестный ранг: %q", s)
}

// Флаги пакетной обработки участника
const (
	StatusPending = 0
	StatusDone    = 1
)

// Member представляет участника реферальной сети
type Member struct {
	ID                 int64      `json:"id" db:"id"`
	Name               string     `json:"name" db:"name"`
	Email              string     `json:"email" db:"email"`
	TelegramChatID     *int64     `json:"telegram_chat_id" db:"telegram_chat_id"`
	ReferredBy         *int64     `json:"referred_by" db:"referred_by"` // слабая ссылка, не владение
	RankTier           RankTier   `json:"rank_tier" db:"rank_tier"`
	IsPaid             bool       `json:"is_paid" db:"is_paid"`                           // платный или бесплатный участник
	RankFindStatus     int        `json:"rank_find_status" db:"rank_find_status"`         // 0 - требуется пересчет, 1 - посчитан
	PromotionRunStatus int        `json:"promotion_run_status" db:"promotion_run_status"` // 0 - снапшоты не перестроены
	RankUpdatedAt      *time.Time `json:"rank_updated_at" db:"rank_updated_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// MemberStats агрегаты нижней линии, по которым считается ранг
type MemberStats struct {
	MemberID        int64           `json:"member_id"`
	DirectReferrals int             `json:"direct_referrals"`
	TeamSize        int             `json:"team_size"`
	TeamVolume      decimal.Decimal `json:"team_volume"`
}

// ReferralEdge одна предвычисленная связь в цепочке предков (mlm_relationships)
type ReferralEdge struct {
	ID             int64           `json:"id" db:"id"`
	DownlineID     int64           `json:"downline_id" db:"downline_id"`
	UplineID       int64           `json:"upline_id" db:"upline_id"`
	Level          int             `json:"level" db:"level"` // 1 - прямой реферер
	CommissionRate decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	Active         bool            `json:"active" db:"active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Ancestor предок покупателя с применимой ставкой комиссии
type Ancestor struct {
	MemberID       int64
	Level          int
	CommissionRate decimal.Decimal
}

// UplineRankSnapshot кэш ближайших предков каждого ранга (member_upline_rank).
// Перестраивается только целиком.
type UplineRankSnapshot struct {
	MemberID         int64     `json:"member_id" db:"member_id"`
	DirectReferrerID *int64    `json:"direct_referrer_id" db:"direct_referrer_id"`
	ThreeStarID      *int64    `json:"three_star_id" db:"three_star_id"`
	FiveStarID       *int64    `json:"five_star_id" db:"five_star_id"`
	SevenStarID      *int64    `json:"seven_star_id" db:"seven_star_id"`
	MegaStarID       *int64    `json:"mega_star_id" db:"mega_star_id"`
	GigaStarID       *int64    `json:"giga_star_id" db:"giga_star_id"`
	RefreshedAt      time.Time `json:"refreshed_at" db:"refreshed_at"`
}

// HolderOf возвращает ближайшего предка с рангом не ниже tier
func (s *UplineRankSnapshot) HolderOf(tier RankTier) *int64 {
	switch tier {
	case RankThreeStar:
		return s.ThreeStarID
	case RankFiveStar:
		return s.FiveStarID
	case RankSevenStar:
		return s.SevenStarID
	case RankMegaStar:
		return s.MegaStarID
	case RankGigaStar:
		return s.GigaStarID
	default:
		return nil
	}
}

// SetHolder записывает ближайшего предка для ранга
func (s *UplineRankSnapshot) SetHolder(tier RankTier, id *int64) {
	switch tier {
	case RankThreeStar:
		s.ThreeStarID = id
	case RankFiveStar:
		s.FiveStarID = id
	case RankSevenStar:
		s.SevenStarID = id
	case RankMegaStar:
		s.MegaStarID = id
	case RankGigaStar:
		s.GigaStarID = id
	}
}

// PackageOffer коммерческий пакет с окном действия
type PackageOffer struct {
	ID         int64           `json:"id" db:"id"`
	Name       string          `json:"name" db:"name"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	ValidFrom  time.Time       `json:"valid_from" db:"valid_from"`
	ValidUntil time.Time       `json:"valid_until" db:"valid_until"`
	IsActive   bool            `json:"is_active" db:"is_active"`
}

// IsValidAt проверяет, действует ли пакет в момент t
func (p *PackageOffer) IsValidAt(t time.Time) bool {
	return p.IsActive && !t.Before(p.ValidFrom) && !t.After(p.ValidUntil)
}

// CreateMemberRequest запрос на регистрацию участника
type CreateMemberRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	TelegramChatID *int64 `json:"telegram_chat_id,omitempty"`
	ReferredBy     *int64 `json:"referred_by,omitempty"`
}

// RankRule пороги, при выполнении которых участник получает ранг
type RankRule struct {
	Tier          RankTier        `json:"tier"`
	MinDirect     int             `json:"min_direct"`
	MinTeam       int             `json:"min_team"`
	MinTeamVolume decimal.Decimal `json:"min_team_volume"`
}

// Satisfied проверяет, выполняет ли статистика пороги правила
func (r RankRule) Satisfied(s *MemberStats) bool {
	return s.DirectReferrals >= r.MinDirect && s.TeamSize >= r.MinTeam && s.TeamVolume.GreaterThanOrEqual(r.MinTeamVolume)
}
