package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
)

// RPCClient talks to the full node over JSON-RPC.
//
// Calls are guarded by a circuit breaker but never retried: a failed
// template fetch is picked up again by the miner's refresh loop, and a
// failed submission is reported rather than re-sent.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
}

// NewRPCClient creates a JSON-RPC client in HTTP POST mode with TLS
// disabled, which is how a local bitcoind is normally reached.
//
// Parameters:
//   - host: node hostname or IP address
//   - port: node RPC port (8332 on mainnet)
//   - username: RPC authentication username
//   - password: RPC authentication password
//
// Returns:
//   - *RPCClient: client ready for use
//   - error: any error encountered during client creation
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	return &RPCClient{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "node_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
	}, nil
}

// Close shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate retrieves a segwit-aware block template.
//
// Parameters:
//   - ctx: context for cancellation
//
// Returns:
//   - *btcjson.GetBlockTemplateResult: the template
//   - error: any error from the node
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		req := &btcjson.TemplateRequest{
			Mode:         "template",
			Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
			Rules:        []string{"segwit"},
		}

		template, err := c.client.GetBlockTemplateAsync(req).Receive()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_template",
				"failed to retrieve block template")
		}
		return template, nil
	})
}

// GetBestBlockHash returns the display-order hash of the chain tip.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		hash, err := c.client.GetBestBlockHashAsync().Receive()
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeBitcoin, "get_best_block_hash",
				"failed to retrieve best block hash")
		}
		return hash.String(), nil
	})
}

// GetBlockCount returns the current chain height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		count, err := c.client.GetBlockCountAsync().Receive()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_count",
				"failed to retrieve block count")
		}
		return count, nil
	})
}

// SubmitBlock submits a solved block given as hex. The hex is decoded
// locally first so a malformed encoding never reaches the node.
//
// Parameters:
//   - ctx: context for cancellation
//   - blockHex: the serialized block
//
// Returns:
//   - error: decode failure, transport failure or node rejection
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_deserialization",
			"failed to deserialize block data").
			WithContext("block_size", len(blockBytes))
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
			se := errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block",
				"node did not accept block").
				WithContext("block_hash", block.BlockHash().String())
			se.Retryable = false
			return se
		}
		return nil
	})
}

// Ping tests the connection to the node.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		if err := c.client.PingAsync().Receive(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
				"node connectivity check failed")
		}
		return nil
	})
}
