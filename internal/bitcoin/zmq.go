package bitcoin

import (
	"context"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomine/pkg/byteorder"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

// pollInterval bounds how long Listen waits before re-checking ctx.
const pollInterval = 250 * time.Millisecond

// ZMQNotifier receives publish notifications from the node.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint. Nothing is connected
// until Connect.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create ZMQ socket")
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe", "failed to subscribe").
			WithContext("topic", topic)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_connect", "failed to connect to ZMQ endpoint").
			WithContext("endpoint", z.endpoint)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done. Handler errors
// are logged and do not stop the loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	z.logger.Info("starting ZMQ listener")
	for {
		if ctx.Err() != nil {
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(zmq.ETERM) {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_listen", "ZMQ context terminated")
			}
			z.logger.Warn("ZMQ poll failed", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(msg[1]))
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}

// BlockNotificationHandler routes node notifications to callbacks.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
	onNewTx    func(txHash string) error
}

// NewBlockNotificationHandler creates a handler with no callbacks set.
func NewBlockNotificationHandler(logger *log.Logger) *BlockNotificationHandler {
	if logger == nil {
		logger = log.Nop()
	}
	return &BlockNotificationHandler{logger: logger.WithComponent("zmq_handler")}
}

// SetNewBlockHandler sets the handler for new block notifications
func (h *BlockNotificationHandler) SetNewBlockHandler(handler func(blockHash string) error) {
	h.onNewBlock = handler
}

// SetNewTxHandler sets the handler for new transaction notifications
func (h *BlockNotificationHandler) SetNewTxHandler(handler func(txHash string) error) {
	h.onNewTx = handler
}

// HandleMessage handles one notification. Hashes arrive in internal order
// and are passed to callbacks in display order.
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case "hashblock":
		if len(data) != 32 {
			return errors.Newf(errors.ErrorTypeValidation, "zmq_hashblock",
				"invalid block hash length: %d", len(data))
		}
		blockHash := byteorder.EncodeHexReversed(data)
		h.logger.Info("new block notification", "hash", blockHash)
		if h.onNewBlock != nil {
			return h.onNewBlock(blockHash)
		}

	case "hashtx":
		if len(data) != 32 {
			return errors.Newf(errors.ErrorTypeValidation, "zmq_hashtx",
				"invalid tx hash length: %d", len(data))
		}
		txHash := byteorder.EncodeHexReversed(data)
		h.logger.Debug("new transaction notification", "hash", txHash)
		if h.onNewTx != nil {
			return h.onNewTx(txHash)
		}

	case "rawblock":
		h.logger.Debug("raw block notification", "size", len(data))

	case "rawtx":
		h.logger.Debug("raw transaction notification", "size", len(data))

	default:
		h.logger.Warn("unknown ZMQ topic", "topic", topic)
	}

	return nil
}
