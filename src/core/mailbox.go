package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// MessageHandler answers a single mailbox message
type MessageHandler func(ctx context.Context, from string, msg PeerMessage) MessageReply

type mailEnvelope struct {
	from  string
	msg   PeerMessage
	reply chan MessageReply
}

// Mailbox buffers peer messages and processes one per tick
type Mailbox struct {
	queue   *queue.ConcurrentQueue
	ticker  ticker.Ticker
	handler MessageHandler

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewMailbox creates a mailbox processed on every tick of t
func NewMailbox(t ticker.Ticker, handler MessageHandler) *Mailbox {
	return &Mailbox{
		queue:   queue.NewConcurrentQueue(64),
		ticker:  t,
		handler: handler,
		quit:    make(chan struct{}),
	}
}

// Start launches the processor
func (m *Mailbox) Start(ctx context.Context) {
	m.started.Do(func() {
		m.queue.Start()
		m.ticker.Resume()
		m.wg.Add(1)
		go m.process(ctx)
	})
}

// Stop halts the processor. Unprocessed messages are dropped.
func (m *Mailbox) Stop() {
	m.stopped.Do(func() {
		close(m.quit)
		m.wg.Wait()
		m.ticker.Stop()
		m.queue.Stop()
	})
}

// Submit queues a message and waits for its reply
func (m *Mailbox) Submit(ctx context.Context, from string, msg PeerMessage) (MessageReply, error) {
	env := &mailEnvelope{from: from, msg: msg, reply: make(chan MessageReply, 1)}

	select {
	case m.queue.ChanIn() <- env:
	case <-ctx.Done():
		return MessageReply{}, ctx.Err()
	case <-m.quit:
		return MessageReply{}, fmt.Errorf("mailbox stopped")
	}
	logger.Debug("Message received, appended to queue", "peer", from, "header", msg.Header)

	select {
	case reply := <-env.reply:
		return reply, nil
	case <-ctx.Done():
		return MessageReply{}, ctx.Err()
	case <-m.quit:
		return MessageReply{}, fmt.Errorf("mailbox stopped")
	}
}

func (m *Mailbox) process(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ticker.Ticks():
			select {
			case v := <-m.queue.ChanOut():
				env, ok := v.(*mailEnvelope)
				if !ok {
					continue
				}
				reply := m.handler(ctx, env.from, env.msg)
				env.reply <- reply
				RecordMessage(env.msg.Header)
			default:
			}

		case <-ctx.Done():
			return
		case <-m.quit:
			return
		}
	}
}
