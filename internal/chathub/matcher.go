package chathub

import (
	"chatgogo/pairing/internal/apperrors"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/models"
	"chatgogo/pairing/internal/scoring"
	"chatgogo/pairing/internal/storage"
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	maxLanguageLength = 16
	maxInterests      = 20
	maxInterestLength = 50
)

// BanChecker answers whether a user is currently banned.
type BanChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// RandomSource picks the tie-break index. *rand.Rand satisfies it.
type RandomSource interface {
	Intn(n int) int
}

// MatcherService picks a partner for a searching user.
// It holds no queue: every call reads the profile directory and history afresh,
// so any number of instances can serve searches against the same store.
type MatcherService struct {
	Profiles storage.ProfileStore
	History  storage.HistoryStore
	Claims   storage.ClaimStore
	Bans     BanChecker
	Config   config.Matching

	randMu sync.Mutex
	rand   RandomSource
}

// NewMatcherService creates a matcher. A nil rnd falls back to a time-seeded source.
func NewMatcherService(profiles storage.ProfileStore, history storage.HistoryStore, claims storage.ClaimStore, bans BanChecker, cfg config.Matching, rnd RandomSource) *MatcherService {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.TierPick < 1 {
		cfg.TierPick = 1
	}
	if cfg.TierWindow < 0 {
		cfg.TierWindow = 0
	}
	return &MatcherService{
		Profiles: profiles,
		History:  history,
		Claims:   claims,
		Bans:     bans,
		Config:   cfg,
		rand:     rnd,
	}
}

// ValidatePreferences rejects malformed search preferences.
func ValidatePreferences(p *models.Preferences) error {
	if p == nil {
		return nil
	}
	if p.AgeBracket != "" && models.AgeBracketIndex(p.AgeBracket) < 0 {
		return apperrors.Validation("unknown age bracket %q", p.AgeBracket)
	}
	if p.LocationScope != "" && !p.LocationScope.Valid() {
		return apperrors.Validation("unknown location scope %q", p.LocationScope)
	}
	if len(p.Language) > maxLanguageLength {
		return apperrors.Validation("language code too long")
	}
	if len(p.Interests) > maxInterests {
		return apperrors.Validation("at most %d interests allowed", maxInterests)
	}
	for _, interest := range p.Interests {
		if len(interest) > maxInterestLength {
			return apperrors.Validation("interest longer than %d characters", maxInterestLength)
		}
	}
	return nil
}

// viewerFor loads userID's profile; prefs, when given, replace the stored preferences.
func (m *MatcherService) viewerFor(ctx context.Context, userID string, prefs *models.Preferences) (*models.Profile, error) {
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	if err := ValidatePreferences(prefs); err != nil {
		return nil, err
	}
	viewer, err := m.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	viewer = viewer.Clone()
	if prefs != nil {
		viewer.Preferences = *prefs
	}
	return viewer, nil
}

// Candidates returns every profile that userID could be offered right now.
func (m *MatcherService) Candidates(ctx context.Context, userID string, prefs *models.Preferences) ([]*models.Profile, error) {
	viewer, err := m.viewerFor(ctx, userID, prefs)
	if err != nil {
		return nil, err
	}
	return m.filter(ctx, viewer)
}

// filter drops self, offline profiles, banned profiles when the viewer
// excludes reported users, previous partners and users already claimed.
func (m *MatcherService) filter(ctx context.Context, viewer *models.Profile) ([]*models.Profile, error) {
	online, err := m.Profiles.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	partners, err := m.History.ListPartners(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(partners))
	for _, p := range partners {
		seen[p] = struct{}{}
	}

	out := make([]*models.Profile, 0, len(online))
	for _, c := range online {
		if c.ID == viewer.ID || !c.Online {
			continue
		}
		if viewer.Preferences.ExcludeReported && m.Bans != nil {
			banned, err := m.Bans.IsBanned(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if banned {
				continue
			}
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		if m.Claims != nil {
			holder, err := m.Claims.ClaimHolder(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if holder != "" {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Rank scores candidates for viewer, best first. Ties break on ID.
func Rank(viewer *models.Profile, candidates []*models.Profile) []models.MatchScore {
	scores := make([]models.MatchScore, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, scoring.Score(viewer, c))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].CandidateID < scores[j].CandidateID
	})
	return scores
}

// pick chooses uniformly among the first TierPick members of the top tier.
func (m *MatcherService) pick(ranked []models.MatchScore) models.MatchScore {
	best := ranked[0].Score
	tier := 1
	for tier < len(ranked) && ranked[tier].Score >= best-m.Config.TierWindow {
		tier++
	}
	if tier > m.Config.TierPick {
		tier = m.Config.TierPick
	}

	m.randMu.Lock()
	idx := m.rand.Intn(tier)
	m.randMu.Unlock()
	return ranked[idx]
}

// FindBestMatch returns a partner for userID, or apperrors.ErrNoMatchFound
// when nobody qualifies. The pair is written to history before returning,
// so a later failed claim still keeps the pair from being offered again.
func (m *MatcherService) FindBestMatch(ctx context.Context, userID string, prefs *models.Preferences) (*models.Profile, error) {
	viewer, err := m.viewerFor(ctx, userID, prefs)
	if err != nil {
		return nil, err
	}
	candidates, err := m.filter(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		logger.Debug("No candidates available", "user_id", userID)
		return nil, apperrors.ErrNoMatchFound
	}

	chosen := m.pick(Rank(viewer, candidates))

	var partner *models.Profile
	for _, c := range candidates {
		if c.ID == chosen.CandidateID {
			partner = c
			break
		}
	}

	if err := m.History.AddPair(ctx, viewer.ID, partner.ID); err != nil {
		return nil, err
	}

	logger.Info("Match found",
		"user_id", viewer.ID,
		"partner_id", partner.ID,
		"score", chosen.Score,
		"reasons", chosen.Reasons,
		"candidates", len(candidates),
	)
	return partner.Clone(), nil
}
