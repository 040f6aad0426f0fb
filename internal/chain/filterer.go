package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"PositionLedger/internal/event"
	fpmath "PositionLedger/internal/math"
	"PositionLedger/internal/reconcile"

	eth "github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	ethcmn "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Client is the slice of an Ethereum RPC client the source needs.
// *ethclient.Client satisfies it.
type Client interface {
	eth.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// Decimals tags raw uint256 amounts with the exponent the contract uses.
type Decimals struct {
	Size       int32
	Collateral int32
	Price      int32
}

// DefaultDecimals matches an 18-decimal notional market with 6-decimal
// stablecoin collateral.
func DefaultDecimals() Decimals {
	return Decimals{
		Size:       fpmath.SizeConfig.DecimalPrecision,
		Collateral: fpmath.CollateralConfig.DecimalPrecision,
		Price:      fpmath.PriceConfig.DecimalPrecision,
	}
}

// Config configures a LogSource.
type Config struct {
	Contract ethcmn.Address
	// ABI overrides PerpetualTradingABI when set.
	ABI string
	// ChunkSize bounds the block range of one eth_getLogs call.
	ChunkSize uint64
	// PollInterval is used when the endpoint has no push subscriptions.
	PollInterval time.Duration
	Decimals     Decimals
}

// LogSource reads position lifecycle logs of a single contract.
// SequenceID is (block number, log index).
type LogSource struct {
	client       Client
	contract     ethcmn.Address
	abi          ethabi.ABI
	topics       []ethcmn.Hash
	chunkSize    uint64
	pollInterval time.Duration
	decimals     Decimals
	logger       zerolog.Logger
}

func NewLogSource(client Client, cfg Config, logger zerolog.Logger) (*LogSource, error) {
	raw := cfg.ABI
	if raw == "" {
		raw = PerpetualTradingABI
	}
	contractABI, err := ethabi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	var topics []ethcmn.Hash
	for _, name := range []string{eventPositionOpened, eventPositionClosed, eventPositionLiquidated} {
		ev, ok := contractABI.Events[name]
		if !ok {
			return nil, fmt.Errorf("contract abi has no %s event", name)
		}
		topics = append(topics, ev.ID)
	}

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.Decimals == (Decimals{}) {
		cfg.Decimals = DefaultDecimals()
	}

	return &LogSource{
		client:       client,
		contract:     cfg.Contract,
		abi:          contractABI,
		topics:       topics,
		chunkSize:    cfg.ChunkSize,
		pollInterval: cfg.PollInterval,
		decimals:     cfg.Decimals,
		logger:       logger,
	}, nil
}

// Dial connects to an RPC endpoint. Use a ws:// URL for push subscriptions;
// http endpoints fall back to polling.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return c, nil
}

func (s *LogSource) Head(ctx context.Context) (uint64, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return head, nil
}

// Backfill returns every decodable event in [from, head], head being the
// block number observed when the call started.
func (s *LogSource) Backfill(ctx context.Context, from uint64) ([]*event.Event, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	if from > head {
		return nil, nil
	}

	var out []*event.Event
	err = s.filterRange(ctx, from, head, func(evt *event.Event) bool {
		out = append(out, evt)
		return true
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Uint64("from", from).Uint64("head", head).Int("events", len(out)).Msg("log backfill done")
	return out, nil
}

// filterRange walks [from, to] in ChunkSize windows. emit returning false
// stops the walk.
func (s *LogSource) filterRange(ctx context.Context, from, to uint64, emit func(*event.Event) bool) error {
	for start := from; start <= to; {
		end := start + s.chunkSize - 1
		if end > to || end < start {
			end = to
		}

		logs, err := s.client.FilterLogs(ctx, s.query(start, &end))
		if err != nil {
			return fmt.Errorf("filter logs [%d, %d]: %w", start, end, err)
		}
		for _, l := range logs {
			evt, ok := s.decode(l)
			if !ok {
				continue
			}
			if !emit(evt) {
				return nil
			}
		}

		if end == to {
			break
		}
		start = end + 1
	}
	return nil
}

func (s *LogSource) query(from uint64, to *uint64) eth.FilterQuery {
	q := eth.FilterQuery{
		Addresses: []ethcmn.Address{s.contract},
		Topics:    [][]ethcmn.Hash{s.topics},
	}
	q.FromBlock = new(big.Int).SetUint64(from)
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	return q
}

// Subscribe streams new logs into sink. When resumeFrom > 0 the range
// [resumeFrom, head] is replayed after the subscription is established, so
// nothing between the last delivery and the new subscription is missed.
// Endpoints without push support are polled.
func (s *LogSource) Subscribe(ctx context.Context, resumeFrom uint64, sink chan<- *event.Event) (reconcile.Subscription, error) {
	logs := make(chan ethtypes.Log, 128)
	q := s.query(0, nil)
	q.FromBlock = nil

	ethSub, err := s.client.SubscribeFilterLogs(ctx, q, logs)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		s.logger.Info().Msg("endpoint has no log subscriptions, polling")
		return s.poll(ctx, resumeFrom, sink)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	sub := newSubscription(ethSub.Unsubscribe)
	go func() {
		defer close(sub.done)

		send := func(evt *event.Event) bool {
			select {
			case sink <- evt:
				return true
			case <-sub.quit:
				return false
			case <-ctx.Done():
				return false
			}
		}

		if resumeFrom > 0 {
			head, err := s.Head(ctx)
			if err != nil {
				sub.fail(err)
				return
			}
			if resumeFrom <= head {
				if err := s.filterRange(ctx, resumeFrom, head, send); err != nil {
					sub.fail(err)
					return
				}
			}
		}

		for {
			select {
			case <-sub.quit:
				return
			case <-ctx.Done():
				return
			case err, ok := <-ethSub.Err():
				if !ok {
					err = errSubscriptionClosed
				}
				sub.fail(err)
				return
			case l := <-logs:
				evt, ok := s.decode(l)
				if !ok {
					continue
				}
				if !send(evt) {
					return
				}
			}
		}
	}()
	return sub, nil
}

var errSubscriptionClosed = errors.New("log subscription closed")

// poll emulates a subscription with periodic eth_getLogs over new blocks.
func (s *LogSource) poll(ctx context.Context, resumeFrom uint64, sink chan<- *event.Event) (reconcile.Subscription, error) {
	next := resumeFrom
	if next == 0 {
		head, err := s.Head(ctx)
		if err != nil {
			return nil, err
		}
		next = head + 1
	}

	sub := newSubscription(nil)
	go func() {
		defer close(sub.done)

		send := func(evt *event.Event) bool {
			select {
			case sink <- evt:
				return true
			case <-sub.quit:
				return false
			case <-ctx.Done():
				return false
			}
		}

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			head, err := s.Head(ctx)
			if err != nil {
				sub.fail(err)
				return
			}
			if next <= head {
				if err := s.filterRange(ctx, next, head, send); err != nil {
					sub.fail(err)
					return
				}
				next = head + 1
			}

			select {
			case <-sub.quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return sub, nil
}

// decode turns a log into an event. Removed logs belong to a reorged block
// and are dropped, as are logs that do not decode.
func (s *LogSource) decode(l ethtypes.Log) (*event.Event, bool) {
	if l.Removed {
		s.logger.Debug().Uint64("block", l.BlockNumber).Uint("index", l.Index).Msg("dropping removed log")
		return nil, false
	}
	evt, err := s.toEvent(l)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("tx", l.TxHash.Hex()).
			Uint64("block", l.BlockNumber).
			Uint("index", l.Index).
			Msg("dropping undecodable log")
		return nil, false
	}
	return evt, true
}

func (s *LogSource) toEvent(l ethtypes.Log) (*event.Event, error) {
	seq := event.SequenceID{Block: l.BlockNumber, Index: uint32(l.Index)}
	malformed := func(field, reason string) error {
		return &event.MalformedEventError{Field: field, Reason: reason, Sequence: seq}
	}

	if len(l.Topics) == 0 {
		return nil, malformed("topics", "anonymous log")
	}
	ev, err := s.abi.EventByID(l.Topics[0])
	if err != nil {
		return nil, malformed("kind", err.Error())
	}

	fields := make(map[string]interface{})
	var indexed ethabi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := ethabi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, malformed("topics", err.Error())
	}
	if len(l.Data) > 0 {
		if err := s.abi.UnpackIntoMap(fields, ev.Name, l.Data); err != nil {
			return nil, malformed("data", err.Error())
		}
	}

	id, err := uintField(fields, "positionId")
	if err != nil {
		return nil, malformed("position_id", err.Error())
	}

	out := &event.Event{Sequence: seq, PositionID: id}
	switch ev.Name {
	case eventPositionClosed:
		out.Kind = event.KindClosed
	case eventPositionLiquidated:
		out.Kind = event.KindLiquidated
	case eventPositionOpened:
		out.Kind = event.KindOpened
		p, err := s.payload(fields)
		if err != nil {
			var me *event.MalformedEventError
			if errors.As(err, &me) {
				me.Sequence = seq
			}
			return nil, err
		}
		out.Payload = p
	default:
		return nil, malformed("kind", "unexpected event "+ev.Name)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LogSource) payload(fields map[string]interface{}) (*event.Payload, error) {
	trader, ok := fields["trader"].(ethcmn.Address)
	if !ok {
		return nil, &event.MalformedEventError{Field: "trader", Reason: "missing address"}
	}
	asset, ok := fields["asset"].(string)
	if !ok {
		return nil, &event.MalformedEventError{Field: "asset", Reason: "missing string"}
	}
	isLong, ok := fields["isLong"].(bool)
	if !ok {
		return nil, &event.MalformedEventError{Field: "side", Reason: "missing isLong"}
	}

	amount := func(name, field string, decimals int32) (fpmath.Amount, error) {
		v, ok := fields[name].(*big.Int)
		if !ok || v == nil {
			return fpmath.Amount{}, &event.MalformedEventError{Field: field, Reason: "missing uint256"}
		}
		return fpmath.NewAmount(v, decimals), nil
	}
	size, err := amount("size", "size", s.decimals.Size)
	if err != nil {
		return nil, err
	}
	collateral, err := amount("collateral", "collateral", s.decimals.Collateral)
	if err != nil {
		return nil, err
	}
	entry, err := amount("entryPrice", "entry_price", s.decimals.Price)
	if err != nil {
		return nil, err
	}
	leverage, err := uintField(fields, "leverage")
	if err != nil {
		return nil, &event.MalformedEventError{Field: "leverage", Reason: err.Error()}
	}

	return &event.Payload{
		Trader:     trader.Hex(),
		Asset:      asset,
		Side:       event.SideFromIsLong(isLong),
		Size:       size,
		Collateral: collateral,
		EntryPrice: entry,
		Leverage:   leverage,
	}, nil
}

func uintField(fields map[string]interface{}, name string) (uint64, error) {
	v, ok := fields[name].(*big.Int)
	if !ok || v == nil {
		return 0, fmt.Errorf("%s missing", name)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%s %s out of range", name, v)
	}
	return v.Uint64(), nil
}

// subscription adapts the forwarding goroutine to reconcile.Subscription.
// Unsubscribe waits for the goroutine so no send happens after it returns.
type subscription struct {
	errc     chan error
	quit     chan struct{}
	done     chan struct{}
	upstream func()
	failOnce sync.Once
	stopOnce sync.Once
}

func newSubscription(upstream func()) *subscription {
	return &subscription{
		errc:     make(chan error, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		upstream: upstream,
	}
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) fail(err error) {
	s.failOnce.Do(func() { s.errc <- err })
}

func (s *subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.upstream != nil {
			s.upstream()
		}
		<-s.done
	})
}
