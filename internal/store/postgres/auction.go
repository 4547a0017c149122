package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/northbridge-sports/auctioneer/internal/auction"
	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/config"
	"github.com/northbridge-sports/auctioneer/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

// auctionRow is the wire shape of the auctions table: config/teams/players/
// queue_state are JSONB columns, marshalled/unmarshalled explicitly because
// their Go types carry no sqlx driver.Valuer/Scanner of their own.
type auctionRow struct {
	ID         string `db:"id"`
	Status     string `db:"status"`
	Config     []byte `db:"config"`
	Teams      []byte `db:"teams"`
	Players    []byte `db:"players"`
	QueueState []byte `db:"queue_state"`
	Version    int    `db:"version"`
	Captains   []byte `db:"captains"`
}

func toRow(rec *store.AuctionRecord) (*auctionRow, error) {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	teams, err := json.Marshal(rec.Teams)
	if err != nil {
		return nil, fmt.Errorf("marshalling teams: %w", err)
	}
	players, err := json.Marshal(rec.Players)
	if err != nil {
		return nil, fmt.Errorf("marshalling players: %w", err)
	}
	queue, err := json.Marshal(rec.Queue)
	if err != nil {
		return nil, fmt.Errorf("marshalling queue state: %w", err)
	}
	captains, err := json.Marshal(rec.Captains)
	if err != nil {
		return nil, fmt.Errorf("marshalling captains: %w", err)
	}
	return &auctionRow{
		ID:         rec.ID,
		Status:     string(rec.Status),
		Config:     cfg,
		Teams:      teams,
		Players:    players,
		QueueState: queue,
		Version:    rec.Version,
		Captains:   captains,
	}, nil
}

func fromRow(row *auctionRow) (*store.AuctionRecord, error) {
	rec := &store.AuctionRecord{
		ID:      row.ID,
		Status:  auction.Status(row.Status),
		Version: row.Version,
	}
	if err := json.Unmarshal(row.Config, &rec.Config); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := json.Unmarshal(row.Teams, &rec.Teams); err != nil {
		return nil, fmt.Errorf("unmarshalling teams: %w", err)
	}
	if err := json.Unmarshal(row.Players, &rec.Players); err != nil {
		return nil, fmt.Errorf("unmarshalling players: %w", err)
	}
	if err := json.Unmarshal(row.QueueState, &rec.Queue); err != nil {
		return nil, fmt.Errorf("unmarshalling queue state: %w", err)
	}
	if len(row.Captains) > 0 {
		if err := json.Unmarshal(row.Captains, &rec.Captains); err != nil {
			return nil, fmt.Errorf("unmarshalling captains: %w", err)
		}
	}
	return rec, nil
}

// txKey threads a transaction through WithTransaction to the repo methods
// called inside fn, via context.
type txKey struct{}

func (r *AuctionRepo) execer(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return r.db
}

// WithTransaction runs fn inside a single database transaction; any error
// returned by fn rolls it back.
func (r *AuctionRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *AuctionRepo) CreateAuction(ctx context.Context, rec *store.AuctionRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	_, err = r.execer(ctx).ExecContext(ctx,
		`INSERT INTO auctions (id, status, config, teams, players, queue_state, version, captains)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.Status, row.Config, row.Teams, row.Players, row.QueueState, row.Version, row.Captains,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetAuction(ctx context.Context, auctionID string) (*store.AuctionRecord, error) {
	var row auctionRow
	err := sqlx.GetContext(ctx, r.execer(ctx), &row,
		`SELECT id, status, config, teams, players, queue_state, version, captains FROM auctions WHERE id = $1`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &auction.NotFoundError{Kind: "auction", ID: auctionID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return fromRow(&row)
}

func (r *AuctionRepo) UpdateQueueState(ctx context.Context, auctionID string, queue auction.QueueState, expectedVersion int) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshalling queue state: %w", err)
	}
	result, err := r.execer(ctx).ExecContext(ctx,
		`UPDATE auctions SET queue_state = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		data, auctionID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating queue state: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s: %w", auctionID, &auction.StaleBidError{})
	}
	return nil
}

func (r *AuctionRepo) UpdateStatus(ctx context.Context, auctionID string, status auction.Status) error {
	result, err := r.execer(ctx).ExecContext(ctx,
		`UPDATE auctions SET status = $1 WHERE id = $2`, string(status), auctionID)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &auction.NotFoundError{Kind: "auction", ID: auctionID}
	}
	return nil
}

// SetCaptains replaces the captain roster wholesale.
func (r *AuctionRepo) SetCaptains(ctx context.Context, auctionID string, captains map[string]string) error {
	data, err := json.Marshal(captains)
	if err != nil {
		return fmt.Errorf("marshalling captains: %w", err)
	}
	result, err := r.execer(ctx).ExecContext(ctx,
		`UPDATE auctions SET captains = $1 WHERE id = $2`, data, auctionID)
	if err != nil {
		return fmt.Errorf("setting captains: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &auction.NotFoundError{Kind: "auction", ID: auctionID}
	}
	return nil
}

func (r *AuctionRepo) CreateRound(ctx context.Context, rnd *auction.Round) error {
	_, err := r.execer(ctx).ExecContext(ctx,
		`INSERT INTO rounds (id, auction_id, player_id, tier_id, status, opened_at, base_price, timer_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rnd.ID, rnd.AuctionID, rnd.PlayerID, rnd.TierID, string(rnd.Status), rnd.OpenedAt, rnd.BasePrice, rnd.TimerExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating round: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetOpenRound(ctx context.Context, auctionID string) (*auction.Round, error) {
	var rnd auction.Round
	var status string
	row := r.execer(ctx).QueryRowxContext(ctx,
		`SELECT id, auction_id, player_id, tier_id, status, opened_at, base_price,
		        current_bid_amount, current_bid_team_id, bid_count, timer_expires_at
		 FROM rounds WHERE auction_id = $1 AND status = 'OPEN'`, auctionID)
	if err := row.Scan(&rnd.ID, &rnd.AuctionID, &rnd.PlayerID, &rnd.TierID, &status, &rnd.OpenedAt, &rnd.BasePrice,
		&rnd.CurrentBidAmount, &rnd.CurrentBidTeamID, &rnd.BidCount, &rnd.TimerExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &auction.NotFoundError{Kind: "open round", ID: auctionID}
		}
		return nil, fmt.Errorf("getting open round: %w", err)
	}
	rnd.Status = auction.RoundStatus(status)
	return &rnd, nil
}

func (r *AuctionRepo) CloseOpenRounds(ctx context.Context, auctionID string) error {
	_, err := r.execer(ctx).ExecContext(ctx,
		`UPDATE rounds SET status = 'CLOSED', closed_at = $1 WHERE auction_id = $2 AND status = 'OPEN'`,
		r.clock.Now().UTC(), auctionID,
	)
	if err != nil {
		return fmt.Errorf("closing open rounds: %w", err)
	}
	return nil
}

func (r *AuctionRepo) CreateBid(ctx context.Context, b *store.BidRecord) error {
	_, err := r.execer(ctx).ExecContext(ctx,
		`INSERT INTO bids (id, round_id, team_id, amount, submitted_at, sequence_number, is_winning_bid)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.RoundID, b.TeamID, b.Amount, b.SubmittedAt, b.SequenceNumber, b.IsWinningBid,
	)
	if err != nil {
		return fmt.Errorf("creating bid: %w", err)
	}
	return nil
}

func (r *AuctionRepo) ListBids(ctx context.Context, roundID string) ([]store.BidRecord, error) {
	var bids []store.BidRecord
	err := sqlx.SelectContext(ctx, r.execer(ctx), &bids,
		`SELECT id, round_id, team_id, amount, submitted_at, sequence_number, is_winning_bid
		 FROM bids WHERE round_id = $1 ORDER BY submitted_at ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

// AtomicOutcryRaise realizes the single atomic primitive outcry mode needs:
// the UPDATE only applies if bid_count still matches what the caller
// observed, so a concurrent winning raise makes this a no-op (stale).
func (r *AuctionRepo) AtomicOutcryRaise(ctx context.Context, roundID, teamID string, expectedBidCount, newAmount, newSequence int, timerExpiresAt time.Time) error {
	result, err := r.execer(ctx).ExecContext(ctx,
		`UPDATE rounds SET current_bid_amount = $1, current_bid_team_id = $2, bid_count = $3, timer_expires_at = $4
		 WHERE id = $5 AND bid_count = $6 AND status = 'OPEN'`,
		newAmount, teamID, newSequence, timerExpiresAt, roundID, expectedBidCount,
	)
	if err != nil {
		return fmt.Errorf("raising outcry bid: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &auction.StaleBidError{}
	}
	return nil
}

// MarkWinningBid flags one bid row from teamID on roundID as the winner.
func (r *AuctionRepo) MarkWinningBid(ctx context.Context, roundID, teamID string) error {
	_, err := r.execer(ctx).ExecContext(ctx,
		`UPDATE bids SET is_winning_bid = true
		 WHERE id = (SELECT id FROM bids WHERE round_id = $1 AND team_id = $2 ORDER BY submitted_at DESC LIMIT 1)`,
		roundID, teamID,
	)
	if err != nil {
		return fmt.Errorf("marking winning bid: %w", err)
	}
	return nil
}

func (r *AuctionRepo) UpsertAuctionResult(ctx context.Context, auctionID string, result auction.AuctionResult) error {
	_, err := r.execer(ctx).ExecContext(ctx,
		`INSERT INTO auction_results (auction_id, player_id, team_id, winning_bid_amount, assigned_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (auction_id, player_id) DO UPDATE
		   SET team_id = EXCLUDED.team_id, winning_bid_amount = EXCLUDED.winning_bid_amount, assigned_at = EXCLUDED.assigned_at`,
		auctionID, result.PlayerID, result.TeamID, result.WinningBidAmount, result.AssignedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting auction result: %w", err)
	}
	return nil
}

func (r *AuctionRepo) DeleteAuctionResult(ctx context.Context, auctionID, playerID string) error {
	_, err := r.execer(ctx).ExecContext(ctx,
		`DELETE FROM auction_results WHERE auction_id = $1 AND player_id = $2`, auctionID, playerID)
	if err != nil {
		return fmt.Errorf("deleting auction result: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetAuctionResult(ctx context.Context, auctionID, playerID string) (*auction.AuctionResult, error) {
	var res auction.AuctionResult
	err := r.execer(ctx).QueryRowxContext(ctx,
		`SELECT player_id, team_id, winning_bid_amount, assigned_at FROM auction_results WHERE auction_id = $1 AND player_id = $2`,
		auctionID, playerID,
	).Scan(&res.PlayerID, &res.TeamID, &res.WinningBidAmount, &res.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &auction.NotFoundError{Kind: "auction result", ID: playerID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction result: %w", err)
	}
	return &res, nil
}

func (r *AuctionRepo) ListAuctionResults(ctx context.Context, auctionID string) ([]auction.AuctionResult, error) {
	rows, err := r.execer(ctx).QueryxContext(ctx,
		`SELECT player_id, team_id, winning_bid_amount, assigned_at FROM auction_results WHERE auction_id = $1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing auction results: %w", err)
	}
	defer rows.Close()

	var results []auction.AuctionResult
	for rows.Next() {
		var res auction.AuctionResult
		if err := rows.Scan(&res.PlayerID, &res.TeamID, &res.WinningBidAmount, &res.AssignedAt); err != nil {
			return nil, fmt.Errorf("scanning auction result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func init() {
	store.Register("sqlx", openSQLX)
}

func openSQLX(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store.Repositories{
		Auctions: NewAuctionRepo(db, clk),
		Events:   NewEventStore(db),
		Closer:   db,
		Ping:     db.PingContext,
	}, nil
}
