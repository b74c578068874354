package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// BlockFunc receives a new block hash in display hex.
type BlockFunc func(hash string)

// ZMQNotifier listens for hashblock announcements from a local node so the
// miner learns of new blocks before any pool tells it.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a new ZMQ notifier
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq", "failed to create socket")
	}
	// Bounded receive so Listen notices context cancellation.
	if err := socket.SetRcvtimeo(500 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq", "failed to set receive timeout")
	}
	if logger == nil {
		logger = log.Discard()
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Connect subscribes to hashblock and connects to the endpoint.
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.SetSubscribe("hashblock"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq", "failed to subscribe to hashblock")
	}
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq", "failed to connect").
			WithContext("endpoint", z.endpoint)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers block hashes to fn until ctx is cancelled.
func (z *ZMQNotifier) Listen(ctx context.Context, fn BlockFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		hash, err := ParseHashBlock(msg)
		if err != nil {
			z.logger.Warn("dropping ZMQ message", "error", err)
			continue
		}
		z.logger.Debug("block announced by node", "hash", hash)
		fn(hash)
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// ParseHashBlock decodes a multipart hashblock message. The node publishes
// the hash in display order already.
func ParseHashBlock(parts [][]byte) (string, error) {
	if len(parts) < 2 {
		return "", fmt.Errorf("malformed message with %d parts", len(parts))
	}
	if topic := string(parts[0]); topic != "hashblock" {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	data := parts[1]
	if len(data) != 32 {
		return "", fmt.Errorf("invalid block hash length: %d", len(data))
	}
	return hex.EncodeToString(data), nil
}
