package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// NodeInterface is the subset of node RPC the miner depends on.
type NodeInterface interface {
	// GetBlockTemplate retrieves a block template for mining.
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)

	// GetBlockCount returns the current chain height.
	GetBlockCount(ctx context.Context) (int64, error)

	// GetBestBlockHash returns the display-order hash of the chain tip.
	GetBestBlockHash(ctx context.Context) (string, error)

	// SubmitBlock submits a serialized block given as hex.
	SubmitBlock(ctx context.Context, blockHex string) error

	// Ping tests connectivity.
	Ping(ctx context.Context) error

	// Close shuts down the client.
	Close()
}

// ZMQInterface is a notification subscription.
type ZMQInterface interface {
	Subscribe(topic string) error
	Connect() error

	// Listen blocks, passing each message to handler, until ctx is done.
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error

	Close() error
}

// BlockNotificationInterface routes notifications to callbacks.
type BlockNotificationInterface interface {
	SetNewBlockHandler(handler func(blockHash string) error)
	SetNewTxHandler(handler func(txHash string) error)
	HandleMessage(topic string, data []byte) error
}

// Compile-time interface compliance checks
var (
	_ NodeInterface              = (*RPCClient)(nil)
	_ ZMQInterface               = (*ZMQNotifier)(nil)
	_ BlockNotificationInterface = (*BlockNotificationHandler)(nil)
)
