package query

// Amounts are exact decimal strings converted with each field's own exponent.
// They are for display and must not be fed back into a transaction.

// PositionView is one open position.
type PositionView struct {
	PositionID uint64 `json:"position_id,string"`
	Trader     string `json:"trader"`
	Asset      string `json:"asset"`
	Side       string `json:"side"`
	IsLong     bool   `json:"is_long"`
	Size       string `json:"size"`
	Collateral string `json:"collateral"`
	Leverage   uint64 `json:"leverage"`
	EntryPrice string `json:"entry_price"`
	OpenedAt   string `json:"opened_at"` // source sequence block:index
}

// Freshness is attached to every read. Incomplete is true unless the
// ledger is Live.
type Freshness struct {
	LedgerStatus string `json:"ledger_status"`
	Incomplete   bool   `json:"incomplete"`
	AsOfSequence string `json:"as_of_sequence"`
	Version      uint64 `json:"version"`
}

// PositionsResponse answers GetOpenPositions.
type PositionsResponse struct {
	Positions []PositionView `json:"positions"`
	Freshness
}

// OpenInterestView is the aggregate notional of one asset ("" = all assets).
type OpenInterestView struct {
	Asset         string `json:"asset"`
	LongNotional  string `json:"long_notional"`
	ShortNotional string `json:"short_notional"`
	Total         string `json:"total"`
	LongRatio     string `json:"long_ratio"`
	ShortRatio    string `json:"short_ratio"`
}

// OpenInterestResponse answers GetAggregateOpenInterest.
type OpenInterestResponse struct {
	OpenInterestView
	Freshness
}

// OpenInterestListResponse lists every asset with open exposure.
type OpenInterestListResponse struct {
	Assets []OpenInterestView `json:"assets"`
	Freshness
}

// PnLResponse answers ComputePnL.
type PnLResponse struct {
	PositionID uint64 `json:"position_id,string"`
	Asset      string `json:"asset"`
	Side       string `json:"side"`
	MarkPrice  string `json:"mark_price"`
	EntryPrice string `json:"entry_price"`
	PnL        string `json:"pnl"`
	PnLPercent string `json:"pnl_percent"`
	Freshness
}

// StatusResponse reports ledger health and size.
type StatusResponse struct {
	Status      string `json:"status"`
	CaughtUp    bool   `json:"caught_up"`
	HighWater   string `json:"high_water"`
	Version     uint64 `json:"version"`
	Open        int    `json:"open_positions"`
	Pending     int    `json:"pending_terminal"`
	Terminal    int    `json:"terminal_records"`
	Digest      string `json:"digest"`
	Regressions int64  `json:"sequence_regressions"`
}
