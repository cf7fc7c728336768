// Package providertest provides an in-memory broker and the mock:// provider
// that connects to it. Tests create a Broker, point providers at
// mock://<broker name>, and use the Broker to inject failures and inspect
// what the providers did.
package providertest

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/message"
	"github.com/venderneutral/kyu/providers/openwire"
)

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*Broker)
)

func init() {
	kyu.RegisterProvider("mock", kyu.ProviderFactoryFunc(func(u *url.URL) (kyu.Provider, error) {
		if u.Host == "" {
			return nil, fmt.Errorf("mock: broker name missing in %s", u)
		}
		for name := range u.Query() {
			return nil, fmt.Errorf("mock: unknown option %q", name)
		}
		return NewProvider(u), nil
	}))
}

func lookupBroker(name string) *Broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	return brokers[name]
}

// Broker is an in-memory message broker shared by every mock provider that
// connects to its name.
type Broker struct {
	name string

	mu         sync.Mutex
	down       bool
	hold       bool
	failCreate error
	created    []kyu.ResourceInfo
	destroyed  []kyu.ResourceInfo
	providers  map[*Provider]struct{}
	queues     map[string][]*openwire.Message
	durable    map[string]*message.Destination
	subs       []*subscription
	rr         map[string]int
	dead       int
}

type subscription struct {
	provider *Provider
	info     *kyu.ConsumerInfo
	started  bool
	pulls    int
}

// queueKey names the queue a subscription consumes from. Topic subscribers
// each get their own queue, durable ones keyed by subscription name.
func (s *subscription) queueKey() string {
	switch {
	case s.info.Durable:
		return durableKey(s.info.SubscriptionName)
	case s.info.Destination.IsTopic():
		return "sub://" + s.info.Id.String()
	default:
		return s.info.Destination.String()
	}
}

func (s *subscription) eligible() bool {
	return s.started && (s.info.Prefetch > 0 || s.pulls > 0)
}

func durableKey(name string) string { return "durable://" + name }

// NewBroker creates and registers a broker reachable as mock://name.
func NewBroker(name string) *Broker {
	b := &Broker{
		name:      name,
		providers: make(map[*Provider]struct{}),
		queues:    make(map[string][]*openwire.Message),
		durable:   make(map[string]*message.Destination),
		rr:        make(map[string]int),
	}
	brokersMu.Lock()
	brokers[name] = b
	brokersMu.Unlock()
	return b
}

// URI returns the URI mock providers use to reach b.
func (b *Broker) URI() string { return "mock://" + b.name }

// Close unregisters b and fails every connected provider.
func (b *Broker) Close() {
	brokersMu.Lock()
	if brokers[b.name] == b {
		delete(brokers, b.name)
	}
	brokersMu.Unlock()
	b.Interrupt()
}

// SetDown makes b refuse, or accept again, new connections.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Interrupt fails the transport of every connected provider.
func (b *Broker) Interrupt() {
	b.mu.Lock()
	providers := make([]*Provider, 0, len(b.providers))
	for p := range b.providers {
		providers = append(providers, p)
	}
	b.mu.Unlock()

	for _, p := range providers {
		p.transportFailed(kyu.NewIOError("read", p.uri.String(), errors.New("mock: connection reset")))
	}
}

// HoldResults makes providers keep request results pending until
// ReleaseResults is called. The requests themselves are still carried out.
func (b *Broker) HoldResults(hold bool) {
	b.mu.Lock()
	b.hold = hold
	b.mu.Unlock()
}

// ReleaseResults completes every held result successfully.
func (b *Broker) ReleaseResults() {
	for _, p := range b.connected() {
		_ = p.loop.Inject(p.releaseHeld)
	}
}

// FailNextCreate makes the next Create request fail with err.
func (b *Broker) FailNextCreate(err error) {
	b.mu.Lock()
	b.failCreate = err
	b.mu.Unlock()
}

// Created returns every resource created on b, in order.
func (b *Broker) Created() []kyu.ResourceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.created)
}

// Destroyed returns every resource destroyed on b, in order.
func (b *Broker) Destroyed() []kyu.ResourceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.destroyed)
}

// Connections returns the number of connected providers.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.providers)
}

// Depth returns the number of undelivered messages on a queue.
func (b *Broker) Depth(dest *message.Destination) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[dest.String()])
}

// QueuedText returns the text bodies of the undelivered messages on a queue,
// head first.
func (b *Broker) QueuedText(dest *message.Destination) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var texts []string
	for _, m := range b.queues[dest.String()] {
		body, _ := m.Body()
		texts = append(texts, body.Text())
	}
	return texts
}

// DurableDepth returns the number of undelivered messages of a durable subscription.
func (b *Broker) DurableDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[durableKey(name)])
}

// DeadLetters returns the number of rejected messages.
func (b *Broker) DeadLetters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead
}

// EnqueueText puts a text message on dest as if another client had sent it.
func (b *Broker) EnqueueText(dest *message.Destination, text string) {
	m := openwire.NewMessage(message.KindText)
	_ = m.SetBody(message.TextBody(text))
	m.SetDestination(dest)
	b.enqueue(dest, m)
}

func (b *Broker) connected() []*Provider {
	b.mu.Lock()
	defer b.mu.Unlock()
	providers := make([]*Provider, 0, len(b.providers))
	for p := range b.providers {
		providers = append(providers, p)
	}
	return providers
}

func (b *Broker) attach(p *Provider) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("mock: connection refused")
	}
	b.providers[p] = struct{}{}
	return nil
}

// detach forgets p and its subscriptions.
func (b *Broker) detach(p *Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.providers, p)
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.provider == p })
}

func (b *Broker) holding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hold
}

func (b *Broker) recordCreate(info kyu.ResourceInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failCreate; err != nil {
		b.failCreate = nil
		return err
	}
	b.created = append(b.created, info)
	return nil
}

func (b *Broker) recordDestroy(info kyu.ResourceInfo) {
	b.mu.Lock()
	b.destroyed = append(b.destroyed, info)
	b.mu.Unlock()
}

func (b *Broker) subscribe(p *Provider, info *kyu.ConsumerInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info.Durable {
		for _, s := range b.subs {
			if s.info.Durable && s.info.SubscriptionName == info.SubscriptionName {
				return fmt.Errorf("mock: durable subscription %q is already active", info.SubscriptionName)
			}
		}
		b.durable[info.SubscriptionName] = info.Destination.Copy()
	}
	b.subs = append(b.subs, &subscription{provider: p, info: info})
	return nil
}

func (b *Broker) unsubscribe(id kyu.ConsumerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool {
		if s.info.Id != id {
			return false
		}
		if key := s.queueKey(); strings.HasPrefix(key, "sub://") {
			delete(b.queues, key)
		}
		return true
	})
}

func (b *Broker) removeDurable(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.durable[name]; !ok {
		return fmt.Errorf("%w: durable subscription %q", kyu.ErrResourceNotFound, name)
	}
	for _, s := range b.subs {
		if s.info.Durable && s.info.SubscriptionName == name {
			return fmt.Errorf("mock: durable subscription %q is in use", name)
		}
	}
	delete(b.durable, name)
	delete(b.queues, durableKey(name))
	return nil
}

func (b *Broker) setStarted(id kyu.ConsumerId, started bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.info.Id == id {
			s.started = started
			if started {
				b.dispatchLocked(s.queueKey())
			}
			return
		}
	}
}

func (b *Broker) pull(id kyu.ConsumerId) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.info.Id == id {
			s.pulls++
			b.dispatchLocked(s.queueKey())
			return func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				if s.pulls > 0 {
					s.pulls--
				}
			}
		}
	}
	return func() {}
}

// enqueue stores a copy of m for every queue that dest feeds and dispatches.
func (b *Broker) enqueue(dest *message.Destination, m *openwire.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !dest.IsTopic() {
		key := dest.String()
		b.queues[key] = append(b.queues[key], m)
		b.dispatchLocked(key)
		return
	}

	var keys []string
	for name, d := range b.durable {
		if d.Equal(dest) {
			keys = append(keys, durableKey(name))
		}
	}
	for _, s := range b.subs {
		if !s.info.Durable && s.info.Destination.Equal(dest) {
			keys = append(keys, s.queueKey())
		}
	}
	for _, key := range keys {
		b.queues[key] = append(b.queues[key], m.Copy().(*openwire.Message))
		b.dispatchLocked(key)
	}
}

// requeue returns m to the head of its queue.
func (b *Broker) requeue(key string, m *openwire.Message, redelivered bool) {
	b.requeueAll([]*delivery{{key: key, msg: m}}, redelivered)
}

// requeueAll returns ds to the head of their queues, keeping their order, and
// dispatches each queue once the whole batch is back. Messages of a topic
// subscriber that has gone away are dropped.
func (b *Broker) requeueAll(ds []*delivery, redelivered bool) {
	if len(ds) == 0 {
		return
	}
	if redelivered {
		for _, d := range ds {
			d.msg.SetRedeliveryCount(d.msg.RedeliveryCount() + 1)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	batches := make(map[string][]*openwire.Message)
	for _, d := range ds {
		if strings.HasPrefix(d.key, "sub://") && !slices.ContainsFunc(b.subs, func(s *subscription) bool {
			return s.queueKey() == d.key
		}) {
			continue
		}
		if _, ok := batches[d.key]; !ok {
			keys = append(keys, d.key)
		}
		batches[d.key] = append(batches[d.key], d.msg)
	}
	for _, key := range keys {
		b.queues[key] = append(batches[key], b.queues[key]...)
	}
	for _, key := range keys {
		b.dispatchLocked(key)
	}
}

func (b *Broker) deadLetter() {
	b.mu.Lock()
	b.dead++
	b.mu.Unlock()
}

func (b *Broker) dispatchLocked(key string) {
	for len(b.queues[key]) > 0 {
		var eligible []*subscription
		for _, s := range b.subs {
			if s.queueKey() == key && s.eligible() {
				eligible = append(eligible, s)
			}
		}
		if len(eligible) == 0 {
			return
		}

		s := eligible[b.rr[key]%len(eligible)]
		b.rr[key]++

		m := b.queues[key][0]
		b.queues[key] = b.queues[key][1:]
		if s.info.Prefetch == 0 {
			s.pulls--
		}

		p, id := s.provider, s.info.Id
		if err := p.loop.Inject(func() { p.deliver(id, key, m) }); err != nil {
			b.queues[key] = append([]*openwire.Message{m}, b.queues[key]...)
			return
		}
	}
}
