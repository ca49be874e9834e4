package football

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-core/internal/outcome"
	"settlement-core/internal/provider"
)

// Provider states of interest.
const (
	StateFullTime  = "FT"
	StateAfterET   = "AET"
	StatePenalties = "FT_PEN"
)

// Nominal durations from kickoff to the terminal whistle, used when the
// provider does not report an end time.
const (
	nominalFullTime  = 115 * time.Minute
	nominalExtraTime = 150 * time.Minute
	nominalPenalties = 165 * time.Minute
)

const (
	marketFullTimeResult = 1
	marketOverUnder      = 80
)

var (
	// ErrAbandoned marks fixtures that will never produce a regulation result.
	ErrAbandoned = errors.New("fixture did not finish")
	// ErrInvalidScore marks impossible or missing score data.
	ErrInvalidScore = errors.New("invalid score data")

	problemStates = map[string]bool{
		"ABANDONED": true,
		"CANCELLED": true,
		"POSTPONED": true,
		"DELETED":   true,
	}
)

// Options parameterise the football adapter.
type Options struct {
	Client        *provider.Client
	BatchSize     int
	TerminalGuard time.Duration
	Clock         func() time.Time
}

// Result is a normalized fixture result. FinishedAt is set only when the
// fixture is terminal and the terminal guard has elapsed. Problem carries a
// permanent, per-record failure and never fails the batch.
type Result struct {
	FixtureID  int64
	State      string
	Kickoff    time.Time
	FT         *outcome.Score
	HT         *outcome.Score
	AET        *outcome.Score
	Penalties  *outcome.Score
	EndedAt    time.Time
	FinishedAt *time.Time
	Problem    error
}

// Terminal reports whether the provider state is final.
func (r Result) Terminal() bool {
	return isTerminal(r.State)
}

// Fixture is an upcoming fixture with pre-match odds.
type Fixture struct {
	ID         int64
	HomeTeam   string
	AwayTeam   string
	LeagueID   int64
	LeagueName string
	Kickoff    time.Time
	Status     string
	OddsHome   decimal.Decimal
	OddsDraw   decimal.Decimal
	OddsAway   decimal.Decimal
	OddsOver   decimal.Decimal
	OddsUnder  decimal.Decimal
}

// Adapter fetches football fixtures and results.
type Adapter struct {
	client *provider.Client
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewAdapter constructs a football adapter.
func NewAdapter(opts Options, logger zerolog.Logger) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.TerminalGuard <= 0 {
		opts.TerminalGuard = 15 * time.Minute
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		client: opts.Client,
		opts:   opts,
		logger: logger.With().Str("component", "football_provider").Logger(),
		now:    now,
	}
}

// FetchFixtureResults fetches results for ids in batches. Fixtures the
// provider does not return are absent from the output.
func (a *Adapter) FetchFixtureResults(ctx context.Context, ids []int64) ([]Result, error) {
	out := make([]Result, 0, len(ids))
	for start := 0; start < len(ids); start += a.opts.BatchSize {
		end := min(start+a.opts.BatchSize, len(ids))
		batch, err := a.fetchBatch(ctx, ids[start:end])
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (a *Adapter) fetchBatch(ctx context.Context, ids []int64) ([]Result, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	var payload fixturesResponse
	path := "/fixtures/multi/" + strings.Join(parts, ",")
	if err := a.client.GetJSON(ctx, "fetch fixture results", path, url.Values{"include": {"scores;state"}}, &payload); err != nil {
		return nil, err
	}

	now := a.now()
	results := make([]Result, 0, len(payload.Data))
	for _, fx := range payload.Data {
		res := a.normalize(fx, now)
		if res.Problem != nil {
			a.logger.Warn().Int64("fixture_id", res.FixtureID).Str("state", res.State).Err(res.Problem).Msg("fixture result needs inspection")
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Adapter) normalize(fx fixturePayload, now time.Time) Result {
	res := Result{
		FixtureID: fx.ID,
		State:     strings.ToUpper(fx.State.Code()),
		Kickoff:   fx.kickoff(),
	}

	if problemStates[res.State] {
		res.Problem = provider.NewPermanent("normalize fixture", fmt.Errorf("%w: state %s", ErrAbandoned, res.State))
		return res
	}

	scores, err := fx.scoreTable()
	if err != nil {
		res.Problem = provider.NewPermanent("normalize fixture", err)
		return res
	}
	res.HT = scores["1ST_HALF"]
	res.AET = firstScore(scores, "ET", "EXTRA_TIME")
	res.Penalties = firstScore(scores, "PENALTIES", "PENALTY_SHOOTOUT")

	switch res.State {
	case StateAfterET, StatePenalties:
		// regulation score; the extra time and shootout scores are informational
		res.FT = scores["2ND_HALF"]
		if res.FT == nil {
			res.Problem = provider.NewPermanent("normalize fixture", fmt.Errorf("%w: missing regulation score for %s", ErrInvalidScore, res.State))
			return res
		}
	default:
		res.FT = scores["CURRENT"]
	}

	if !res.Terminal() {
		return res
	}
	if res.FT == nil || res.HT == nil {
		res.Problem = provider.NewPermanent("normalize fixture", fmt.Errorf("%w: terminal fixture without full and half time scores", ErrInvalidScore))
		return res
	}

	res.EndedAt = fx.endedAt(res.State, res.Kickoff)
	if !res.EndedAt.IsZero() && !now.Before(res.EndedAt.Add(a.opts.TerminalGuard)) {
		finished := res.EndedAt
		res.FinishedAt = &finished
	}
	return res
}

// FetchFixturesByDate lists fixtures kicking off on day (UTC) with teams, league and odds.
func (a *Adapter) FetchFixturesByDate(ctx context.Context, day time.Time) ([]Fixture, error) {
	path := "/fixtures/date/" + day.UTC().Format(time.DateOnly)
	fixtures := make([]Fixture, 0)
	for page := 1; ; page++ {
		query := url.Values{
			"include": {"participants;league;odds;state"},
			"page":    {strconv.Itoa(page)},
		}
		var payload fixturesResponse
		if err := a.client.GetJSON(ctx, "fetch fixtures by date", path, query, &payload); err != nil {
			return fixtures, err
		}
		for _, fx := range payload.Data {
			fixtures = append(fixtures, fx.fixture())
		}
		if payload.Pagination == nil || !payload.Pagination.HasMore {
			break
		}
	}
	return fixtures, nil
}

func isTerminal(state string) bool {
	switch state {
	case StateFullTime, StateAfterET, StatePenalties:
		return true
	}
	return false
}

func firstScore(scores map[string]*outcome.Score, keys ...string) *outcome.Score {
	for _, k := range keys {
		if s, ok := scores[k]; ok {
			return s
		}
	}
	return nil
}

type fixturesResponse struct {
	Data       []fixturePayload `json:"data"`
	Pagination *struct {
		HasMore bool `json:"has_more"`
	} `json:"pagination"`
}

type fixturePayload struct {
	ID                  int64          `json:"id"`
	LeagueID            int64          `json:"league_id"`
	StartingAt          string         `json:"starting_at"`
	StartingAtTimestamp int64          `json:"starting_at_timestamp"`
	EndingAt            *string        `json:"ending_at"`
	State               statePayload   `json:"state"`
	Scores              []scorePayload `json:"scores"`
	Participants        []participant  `json:"participants"`
	League              *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"league"`
	Odds []oddPayload `json:"odds"`
}

type statePayload struct {
	State         string `json:"state"`
	Short         string `json:"short_name"`
	DeveloperName string `json:"developer_name"`
}

func (s statePayload) Code() string {
	switch {
	case s.DeveloperName != "":
		return s.DeveloperName
	case s.State != "":
		return s.State
	}
	return s.Short
}

type scorePayload struct {
	Description string `json:"description"`
	Score       struct {
		Goals       int    `json:"goals"`
		Participant string `json:"participant"`
	} `json:"score"`
}

type participant struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Meta struct {
		Location string `json:"location"`
	} `json:"meta"`
}

type oddPayload struct {
	MarketID int64  `json:"market_id"`
	Label    string `json:"label"`
	Value    string `json:"value"`
	Total    string `json:"total"`
}

const providerTimeLayout = "2006-01-02 15:04:05"

func (fx fixturePayload) kickoff() time.Time {
	if fx.StartingAtTimestamp > 0 {
		return time.Unix(fx.StartingAtTimestamp, 0).UTC()
	}
	if t, err := time.ParseInLocation(providerTimeLayout, fx.StartingAt, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

func (fx fixturePayload) endedAt(state string, kickoff time.Time) time.Time {
	if fx.EndingAt != nil {
		if t, err := time.ParseInLocation(providerTimeLayout, *fx.EndingAt, time.UTC); err == nil {
			return t
		}
	}
	if kickoff.IsZero() {
		return time.Time{}
	}
	switch state {
	case StateAfterET:
		return kickoff.Add(nominalExtraTime)
	case StatePenalties:
		return kickoff.Add(nominalPenalties)
	}
	return kickoff.Add(nominalFullTime)
}

// scoreTable folds the per-participant score rows into one score per period.
func (fx fixturePayload) scoreTable() (map[string]*outcome.Score, error) {
	table := make(map[string]*outcome.Score)
	for _, s := range fx.Scores {
		if s.Score.Goals < 0 {
			return nil, fmt.Errorf("%w: negative goals in %s", ErrInvalidScore, s.Description)
		}
		key := strings.ToUpper(s.Description)
		entry, ok := table[key]
		if !ok {
			entry = &outcome.Score{}
			table[key] = entry
		}
		switch strings.ToLower(s.Score.Participant) {
		case "home":
			entry.Home = s.Score.Goals
		case "away":
			entry.Away = s.Score.Goals
		}
	}
	return table, nil
}

func (fx fixturePayload) fixture() Fixture {
	f := Fixture{
		ID:       fx.ID,
		LeagueID: fx.LeagueID,
		Kickoff:  fx.kickoff(),
		Status:   strings.ToUpper(fx.State.Code()),
	}
	if f.Status == "" {
		f.Status = "NS"
	}
	if fx.League != nil {
		f.LeagueID = fx.League.ID
		f.LeagueName = fx.League.Name
	}
	for _, p := range fx.Participants {
		switch strings.ToLower(p.Meta.Location) {
		case "home":
			f.HomeTeam = p.Name
		case "away":
			f.AwayTeam = p.Name
		}
	}
	for _, o := range fx.Odds {
		value, err := decimal.NewFromString(o.Value)
		if err != nil || !value.IsPositive() {
			continue
		}
		switch {
		case o.MarketID == marketFullTimeResult:
			switch strings.ToLower(o.Label) {
			case "home", "1":
				f.OddsHome = value
			case "draw", "x":
				f.OddsDraw = value
			case "away", "2":
				f.OddsAway = value
			}
		case o.MarketID == marketOverUnder && o.Total == "2.5":
			switch strings.ToLower(o.Label) {
			case "over":
				f.OddsOver = value
			case "under":
				f.OddsUnder = value
			}
		}
	}
	return f
}
