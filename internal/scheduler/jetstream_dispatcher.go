package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JetStreamDispatcher publishes firings to a JetStream work queue and waits
// for the executing consumer to report the result on a core NATS subject.
type JetStreamDispatcher struct {
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext
	// resultTimeout bounds the wait for a result; zero waits until ctx is done
	resultTimeout time.Duration

	mu      sync.Mutex
	handler Handler
	sub     *nats.Subscription
	closed  bool
	wg      sync.WaitGroup
}

type workResult struct {
	FireID string `json:"fire_id"`
	Result Result `json:"result"`
}

// NewJetStreamDispatcher creates a dispatcher on an established connection
func NewJetStreamDispatcher(nc *nats.Conn, resultTimeout time.Duration, logger *zap.Logger) (*JetStreamDispatcher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	d := &JetStreamDispatcher{
		logger:        logger.Named("jetstream-dispatcher"),
		nc:            nc,
		js:            js,
		resultTimeout: resultTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := d.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return d, nil
}

func (d *JetStreamDispatcher) setupStream(ctx context.Context) error {
	_, err := d.js.StreamInfo(workStreamName, nats.Context(ctx))
	if err == nil {
		d.logger.Info("Using existing work stream", zap.String("stream", workStreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = d.js.AddStream(&nats.StreamConfig{
		Name:       workStreamName,
		Subjects:   []string{workFireSubject + ".*"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     streamMaxAge,
		MaxMsgs:    streamMaxMsgs,
		Duplicates: workDuplicateWindow,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	d.logger.Info("Work stream created", zap.String("stream", workStreamName))
	return nil
}

// Bind implements Dispatcher. It joins the executor queue group so several
// processes may share the work.
func (d *JetStreamDispatcher) Bind(ctx context.Context, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sub != nil {
		d.handler = handler
		return nil
	}
	d.handler = handler

	sub, err := d.js.QueueSubscribe(workFireSubject+".*", workQueueGroup, d.handleMsg,
		nats.Durable(workQueueGroup),
		nats.ManualAck(),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", workFireSubject, err)
	}
	d.sub = sub

	d.logger.Info("Subscribed to work queue",
		zap.String("subject", workFireSubject+".*"),
		zap.String("queue", workQueueGroup))
	return nil
}

// handleMsg executes one published firing. The message is acknowledged before
// execution; redelivery is left to the work manager's retry.
func (d *JetStreamDispatcher) handleMsg(msg *nats.Msg) {
	var firing Firing
	if err := json.Unmarshal(msg.Data, &firing); err != nil {
		d.logger.Error("Failed to unmarshal firing", zap.Error(err))
		_ = msg.Term()
		return
	}
	if err := msg.Ack(); err != nil {
		d.logger.Warn("Failed to ack firing", zap.String("fire_id", firing.FireID), zap.Error(err))
	}

	d.mu.Lock()
	handler, closed := d.handler, d.closed
	if !closed {
		d.wg.Add(1)
	}
	d.mu.Unlock()
	if closed || handler == nil {
		return
	}

	go func() {
		defer d.wg.Done()

		result := handler(context.Background(), firing)
		data, err := json.Marshal(workResult{FireID: firing.FireID, Result: result})
		if err != nil {
			d.logger.Error("Failed to marshal work result", zap.Error(err))
			return
		}
		if err := d.nc.Publish(resultSubject(firing.FireID), data); err != nil {
			d.logger.Error("Failed to publish work result",
				zap.String("fire_id", firing.FireID),
				zap.Error(err))
		}
	}()
}

// Dispatch implements Dispatcher
func (d *JetStreamDispatcher) Dispatch(ctx context.Context, firing Firing) (Result, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ResultRetry, ErrDispatcherClosed
	}

	replies, err := d.nc.SubscribeSync(resultSubject(firing.FireID))
	if err != nil {
		return ResultRetry, fmt.Errorf("failed to subscribe to work result: %w", err)
	}
	defer replies.Unsubscribe()

	data, err := json.Marshal(firing)
	if err != nil {
		return ResultRetry, fmt.Errorf("failed to marshal firing: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	_, err = d.js.Publish(workFireSubject+"."+firing.Kind, data, nats.MsgId(firing.FireID), nats.Context(pubCtx))
	cancel()
	if err != nil {
		return ResultRetry, fmt.Errorf("failed to publish firing: %w", err)
	}

	d.logger.Debug("Published firing",
		zap.String("key", firing.Key),
		zap.String("fire_id", firing.FireID))

	waitCtx := ctx
	if d.resultTimeout > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(ctx, d.resultTimeout)
		defer cancelWait()
	}
	msg, err := replies.NextMsgWithContext(waitCtx)
	if err != nil {
		return ResultRetry, fmt.Errorf("failed to receive work result: %w", err)
	}

	var res workResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return ResultRetry, fmt.Errorf("failed to unmarshal work result: %w", err)
	}
	return res.Result, nil
}

// Close implements Dispatcher. It waits up to operationTimeout for local executions to report.
func (d *JetStreamDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sub := d.sub
	d.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Drain()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(operationTimeout):
		d.logger.Warn("Timed out waiting for in-flight firings")
	}
	return err
}

func resultSubject(fireID string) string {
	return workResultSubject + "." + fireID
}
