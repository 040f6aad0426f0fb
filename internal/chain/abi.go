package chain

const (
	eventPositionOpened     = "PositionOpened"
	eventPositionClosed     = "PositionClosed"
	eventPositionLiquidated = "PositionLiquidated"
)

// PerpetualTradingABI lists the three lifecycle events of the trading
// contract. Decoding is driven entirely by this ABI, so a deployment with a
// different indexing layout only needs a different JSON document.
const PerpetualTradingABI = `[
  {
    "type": "event",
    "name": "PositionOpened",
    "anonymous": false,
    "inputs": [
      {"name": "positionId", "type": "uint256", "indexed": true},
      {"name": "trader", "type": "address", "indexed": true},
      {"name": "asset", "type": "string", "indexed": false},
      {"name": "isLong", "type": "bool", "indexed": false},
      {"name": "size", "type": "uint256", "indexed": false},
      {"name": "collateral", "type": "uint256", "indexed": false},
      {"name": "leverage", "type": "uint256", "indexed": false},
      {"name": "entryPrice", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PositionClosed",
    "anonymous": false,
    "inputs": [
      {"name": "positionId", "type": "uint256", "indexed": true},
      {"name": "trader", "type": "address", "indexed": true},
      {"name": "exitPrice", "type": "uint256", "indexed": false},
      {"name": "pnl", "type": "int256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PositionLiquidated",
    "anonymous": false,
    "inputs": [
      {"name": "positionId", "type": "uint256", "indexed": true},
      {"name": "liquidator", "type": "address", "indexed": true},
      {"name": "liquidationPrice", "type": "uint256", "indexed": false}
    ]
  }
]`
