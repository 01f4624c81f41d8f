// Package rabbitmqtest provides an in-memory broker behind the rabbitmq
// Channel and Connection interfaces.
//
// The broker routes through direct, topic and default exchanges, answers
// publisher confirms and mandatory returns, requeues unacked deliveries
// when a channel closes, and follows x-dead-letter-exchange and
// x-message-ttl arguments, recording x-death headers the way RabbitMQ does.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-eventbus/internal/rabbitmq"
)

// ErrConnectionRefused is returned by Dial while dials are failing.
var ErrConnectionRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// Publishing records one basic.publish.
type Publishing struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

// Settlement records one ack, nack or reject.
type Settlement struct {
	Queue       string
	DeliveryTag uint64
	MessageID   string
	Outcome     string
}

// Broker is an in-memory stand-in for a RabbitMQ server.
type Broker struct {
	mu          sync.Mutex
	exchanges   map[string]string
	queues      map[string]*queue
	bindings    []rabbitmq.Binding
	published   []Publishing
	settlements []Settlement
	conns       []*Connection
	nextTag     uint64
	nextSeq     uint64
	failDials   int
	dials       int

	nackPublishes bool
	dropConfirms  bool
	declareErr    error
}

type queue struct {
	name     string
	args     amqp.Table
	backlog  []message
	consumer *consumer
}

type consumer struct {
	ch  *Channel
	tag string
	out chan amqp.Delivery
}

type message struct {
	seq         uint64
	exchange    string
	routingKey  string
	headers     amqp.Table
	pub         amqp.Publishing
	redelivered bool
}

type pending struct {
	queue *queue
	msg   message
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": rabbitmq.ExchangeDirect},
		queues:    make(map[string]*queue),
	}
}

// Dial opens a connection. It satisfies rabbitmq.Dialer.
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrConnectionRefused
	}
	conn := &Connection{b: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dials returns how many dials were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// NackPublishes makes the broker nack every confirm.
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = nack
}

// DropConfirms makes the broker never confirm publishes.
func (b *Broker) DropConfirms(drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropConfirms = drop
}

// FailDeclares makes every exchange and queue declaration fail with err.
func (b *Broker) FailDeclares(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// DropConnections force-closes every open connection, as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	reason := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true, Recover: true}
	for _, conn := range b.conns {
		conn.closeLocked(reason)
	}
}

// Inject places a message straight into a queue.
func (b *Broker) Inject(queueName, routingKey string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return notFound("queue", queueName)
	}
	b.enqueueLocked(q, b.newMessage("", routingKey, pub), false)
	return nil
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return copyTable(q.args), true
}

// Bindings returns every binding, sorted by exchange, queue and key.
func (b *Broker) Bindings() []rabbitmq.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := append([]rabbitmq.Binding(nil), b.bindings...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].RoutingKey < out[j].RoutingKey
	})
	return out
}

// Published returns every publish seen so far.
func (b *Broker) Published() []Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publishing(nil), b.published...)
}

// Settlements returns every ack, nack and reject seen so far.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Depth returns how many messages wait in a queue, excluding unacked ones.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.backlog)
	}
	return 0
}

// HasConsumer reports whether a queue has a live consumer.
func (b *Broker) HasConsumer(queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	return ok && q.consumer != nil
}

// OpenChannels counts channels not yet closed.
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				n++
			}
		}
	}
	return n
}

func (b *Broker) newMessage(exchange, routingKey string, pub amqp.Publishing) message {
	b.nextSeq++
	return message{
		seq:        b.nextSeq,
		exchange:   exchange,
		routingKey: routingKey,
		headers:    copyTable(pub.Headers),
		pub:        pub,
	}
}

func (b *Broker) routeLocked(exchange, key string) []*queue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	kind := b.exchanges[exchange]
	var targets []*queue
	seen := make(map[string]bool)
	for _, bind := range b.bindings {
		if bind.Exchange != exchange || seen[bind.Queue] {
			continue
		}
		matched := bind.RoutingKey == key
		if kind == rabbitmq.ExchangeTopic {
			matched = topicMatch(bind.RoutingKey, key)
		}
		if q, ok := b.queues[bind.Queue]; ok && matched {
			seen[bind.Queue] = true
			targets = append(targets, q)
		}
	}
	return targets
}

func (b *Broker) enqueueLocked(q *queue, m message, front bool) {
	if q.consumer != nil && len(q.backlog) == 0 && q.consumer.ch.dispatchLocked(q, q.consumer, m) {
		return
	}
	if front {
		q.backlog = append([]message{m}, q.backlog...)
	} else {
		q.backlog = append(q.backlog, m)
	}

	if ttl, ok := messageTTL(q.args); ok {
		seq := m.seq
		time.AfterFunc(ttl, func() { b.expire(q, seq) })
	}
}

func (b *Broker) expire(q *queue, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, m := range q.backlog {
		if m.seq == seq {
			q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
			b.deadLetterLocked(q, m, "expired")
			return
		}
	}
}

func (b *Broker) deadLetterLocked(q *queue, m message, reason string) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	m.headers = addDeath(m.headers, q.name, reason, m.exchange, m.routingKey)
	m.redelivered = false
	m.exchange = dlx
	for _, target := range b.routeLocked(dlx, m.routingKey) {
		b.nextSeq++
		m.seq = b.nextSeq
		b.enqueueLocked(target, m, false)
	}
}

func (b *Broker) settleLocked(ch *Channel, tag uint64, outcome string, requeue bool) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	b.settlements = append(b.settlements, Settlement{
		Queue:       p.queue.name,
		DeliveryTag: tag,
		MessageID:   p.msg.pub.MessageId,
		Outcome:     outcome,
	})

	switch {
	case outcome == "ack":
	case requeue:
		p.msg.redelivered = true
		b.enqueueLocked(p.queue, p.msg, true)
	default:
		b.deadLetterLocked(p.queue, p.msg, "rejected")
	}
	return nil
}

// Connection is an in-memory broker connection.
type Connection struct {
	b        *Broker
	closed   bool
	channels []*Channel
	closes   []chan *amqp.Error
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c, unacked: make(map[uint64]pending)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	for _, l := range c.closes {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	c.closes = nil
}

// Channel is an in-memory AMQP channel.
type Channel struct {
	b          *Broker
	conn       *Connection
	closed     bool
	confirming bool
	publishSeq uint64
	confirms   []chan amqp.Confirmation
	returns    []chan amqp.Return
	closes     []chan *amqp.Error
	consumers  []*consumer
	unacked    map[uint64]pending
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if c.b.declareErr != nil {
		return c.b.declareErr
	}
	if existing, ok := c.b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
	}
	c.b.exchanges[name] = kind
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if c.b.declareErr != nil {
		return amqp.Queue{}, c.b.declareErr
	}
	q, ok := c.b.queues[name]
	if !ok {
		q = &queue{name: name, args: copyTable(args)}
		c.b.queues[name] = q
	}
	consumers := 0
	if q.consumer != nil {
		consumers = 1
	}
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: consumers}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if _, ok := c.b.exchanges[exchange]; !ok {
		return notFound("exchange", exchange)
	}
	if _, ok := c.b.queues[name]; !ok {
		return notFound("queue", name)
	}
	bind := rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key}
	for _, existing := range c.b.bindings {
		if existing == bind {
			return nil
		}
	}
	c.b.bindings = append(c.b.bindings, bind)
	return nil
}

func (c *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	bind := rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key}
	for i, existing := range c.b.bindings {
		if existing == bind {
			c.b.bindings = append(c.b.bindings[:i], c.b.bindings[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := c.b.queues[queueName]
	if !ok {
		return nil, notFound("queue", queueName)
	}
	if q.consumer != nil {
		return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: fmt.Sprintf("ACCESS_REFUSED - queue '%s' already has a consumer", queueName)}
	}

	cons := &consumer{ch: c, tag: tag, out: make(chan amqp.Delivery, 1024)}
	q.consumer = cons
	c.consumers = append(c.consumers, cons)

	backlog := q.backlog
	q.backlog = nil
	for _, m := range backlog {
		if !c.dispatchLocked(q, cons, m) {
			q.backlog = append(q.backlog, m)
		}
	}
	return cons.out, nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.confirming = true
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.confirms = append(c.confirms, confirm)
	return confirm
}

func (c *Channel) NotifyReturn(ret chan amqp.Return) chan amqp.Return {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.returns = append(c.returns, ret)
	return ret
}

func (c *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if _, ok := c.b.exchanges[exchange]; !ok {
		return notFound("exchange", exchange)
	}
	c.b.published = append(c.b.published, Publishing{Exchange: exchange, RoutingKey: key, Mandatory: mandatory, Msg: msg})

	c.publishSeq++
	targets := c.b.routeLocked(exchange, key)
	if mandatory && len(targets) == 0 {
		ret := amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
			Type:       msg.Type,
			Body:       msg.Body,
		}
		for _, l := range c.returns {
			select {
			case l <- ret:
			default:
			}
		}
	}
	for _, q := range targets {
		c.b.enqueueLocked(q, c.b.newMessage(exchange, key, msg), false)
	}

	if c.confirming && !c.b.dropConfirms {
		conf := amqp.Confirmation{DeliveryTag: c.publishSeq, Ack: !c.b.nackPublishes}
		for _, l := range c.confirms {
			select {
			case l <- conf:
			default:
			}
		}
	}
	return nil
}

func (c *Channel) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Channel) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Ack implements amqp.Acknowledger.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.settleLocked(c, tag, "ack", false)
}

// Nack implements amqp.Acknowledger.
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.settleLocked(c, tag, "nack", requeue)
}

// Reject implements amqp.Acknowledger.
func (c *Channel) Reject(tag uint64, requeue bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.settleLocked(c, tag, "reject", requeue)
}

func (c *Channel) dispatchLocked(q *queue, cons *consumer, m message) bool {
	c.b.nextTag++
	tag := c.b.nextTag
	d := amqp.Delivery{
		Acknowledger: c,
		Headers:      copyTable(m.headers),
		ContentType:  m.pub.ContentType,
		DeliveryMode: m.pub.DeliveryMode,
		MessageId:    m.pub.MessageId,
		Timestamp:    m.pub.Timestamp,
		Type:         m.pub.Type,
		ConsumerTag:  cons.tag,
		DeliveryTag:  tag,
		Redelivered:  m.redelivered,
		Exchange:     m.exchange,
		RoutingKey:   m.routingKey,
		Body:         m.pub.Body,
	}
	select {
	case cons.out <- d:
		c.unacked[tag] = pending{queue: q, msg: m}
		return true
	default:
		return false
	}
}

func (c *Channel) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true

	for _, cons := range c.consumers {
		for _, q := range c.b.queues {
			if q.consumer == cons {
				q.consumer = nil
			}
		}
		close(cons.out)
	}
	c.consumers = nil

	// Unacked deliveries go back to the head of their queues.
	tags := make([]uint64, 0, len(c.unacked))
	for tag := range c.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		p := c.unacked[tag]
		p.msg.redelivered = true
		p.queue.backlog = append([]message{p.msg}, p.queue.backlog...)
	}
	c.unacked = make(map[uint64]pending)

	for _, l := range c.confirms {
		close(l)
	}
	for _, l := range c.returns {
		close(l)
	}
	for _, l := range c.closes {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	c.confirms, c.returns, c.closes = nil, nil, nil
}

func notFound(kind, name string) error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name)}
}

func messageTTL(args amqp.Table) (time.Duration, bool) {
	switch v := args[rabbitmq.ArgMessageTTL].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int32:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	default:
		return 0, false
	}
}

// addDeath records a dead-lettering in x-death, most recent first.
func addDeath(headers amqp.Table, queueName, reason, exchange, key string) amqp.Table {
	headers = copyTable(headers)
	if headers == nil {
		headers = amqp.Table{}
	}
	deaths, _ := headers["x-death"].([]interface{})

	entry := amqp.Table{
		"queue":        queueName,
		"reason":       reason,
		"count":        int64(1),
		"exchange":     exchange,
		"routing-keys": []interface{}{key},
		"time":         time.Now(),
	}
	rest := make([]interface{}, 0, len(deaths)+1)
	for _, raw := range deaths {
		d, ok := raw.(amqp.Table)
		if ok && d["queue"] == queueName && d["reason"] == reason {
			n, _ := d["count"].(int64)
			entry["count"] = n + 1
			continue
		}
		rest = append(rest, raw)
	}
	headers["x-death"] = append([]interface{}{entry}, rest...)
	return headers
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		if list, ok := v.([]interface{}); ok {
			v = append([]interface{}(nil), list...)
		}
		out[k] = v
	}
	return out
}

func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}
