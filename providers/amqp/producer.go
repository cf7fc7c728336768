package amqp

import (
	"context"
	"fmt"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/rs/zerolog"

	"github.com/venderneutral/kyu"
	"github.com/venderneutral/kyu/internal/metrics"
)

type producerState int

const (
	producerOpen producerState = iota
	producerSending
	producerCreditBlocked
	producerClosing
	producerClosed
)

func (s producerState) String() string {
	switch s {
	case producerOpen:
		return "open"
	case producerSending:
		return "sending"
	case producerCreditBlocked:
		return "credit-blocked"
	case producerClosing:
		return "closing"
	default:
		return "closed"
	}
}

// delivery is one send moving through a producer.
type delivery struct {
	msg       *goamqp.Message
	result    kyu.AsyncResult
	tag       []byte
	async     bool
	presettle bool
}

// producer owns one sender link. Sends are transferred in submission order;
// when the link has no credit they wait in pending. Every field is owned by
// the provider loop.
type producer struct {
	p    *Provider
	info *kyu.ProducerInfo
	link senderLink
	log  zerolog.Logger

	tags        *tagGenerator
	state       producerState
	presettle   bool
	pending     []*delivery
	outstanding map[*delivery]struct{}

	closeResults []kyu.AsyncResult
	drainTimer   *time.Timer
}

func newProducer(p *Provider, info *kyu.ProducerInfo, link senderLink) *producer {
	return &producer{
		p:           p,
		info:        info,
		link:        link,
		log:         p.log.With().Str("producer", info.Id.String()).Logger(),
		tags:        newTagGenerator(),
		presettle:   info.Presettle || p.opts.presettleProducers,
		outstanding: make(map[*delivery]struct{}),
	}
}

func (pr *producer) send(env *kyu.OutboundDispatch, msg *goamqp.Message, result kyu.AsyncResult) {
	if pr.state >= producerClosing {
		result.OnFailure(kyu.ErrClosed)
		return
	}
	d := &delivery{
		msg:       msg,
		result:    result,
		async:     env.SendAsync,
		presettle: pr.presettle || env.Presettle,
	}
	if len(pr.pending) > 0 || pr.link.Credit() <= 0 {
		// A held send completes on settlement even when asynchronous.
		d.async = false
		pr.pending = append(pr.pending, d)
		pr.p.metrics.CreditBlockedSends.WithLabelValues(metrics.ProviderAMQP).Inc()
		pr.updateState()
		return
	}
	pr.transfer(d)
	pr.updateState()
}

func (pr *producer) transfer(d *delivery) {
	if !d.presettle {
		d.tag = pr.tags.acquire()
		d.msg.DeliveryTag = d.tag
		pr.outstanding[d] = struct{}{}
		pr.p.metrics.Outstanding.WithLabelValues(metrics.ProviderAMQP).Inc()
	}
	pr.link.Transfer(d.msg, d.presettle, func(o outcome) {
		_ = pr.p.loop.Inject(func() { pr.onOutcome(d, o) })
	})
	switch {
	case d.presettle:
		pr.p.metrics.Sends.WithLabelValues(metrics.ProviderAMQP, metrics.OutcomeSettled).Inc()
		d.result.OnSuccess()
	case d.async:
		d.result.OnSuccess()
	}
}

// onOutcome runs on the loop for each state reported by the link.
func (pr *producer) onOutcome(d *delivery, o outcome) {
	if _, ok := pr.outstanding[d]; !ok {
		if o.fatal {
			pr.p.fail(kyu.NewIOError("send", pr.p.uri.Redacted(), o.err))
			return
		}
		pr.pump()
		return
	}

	switch o.state {
	case stateTransactional:
		pr.log.Debug().Msg("transactional outcome deferred to discharge")
		return
	case stateUnknown:
		pr.log.Debug().Msg("ignoring unknown delivery state")
		return
	}

	delete(pr.outstanding, d)
	pr.tags.release(d.tag)
	pr.p.metrics.Outstanding.WithLabelValues(metrics.ProviderAMQP).Dec()

	if o.fatal {
		ioErr := kyu.NewIOError("send", pr.p.uri.Redacted(), o.err)
		pr.complete(d, ioErr)
		pr.p.fail(ioErr)
		return
	}

	switch o.state {
	case stateAccepted:
		pr.p.metrics.Sends.WithLabelValues(metrics.ProviderAMQP, metrics.OutcomeAccepted).Inc()
		d.result.OnSuccess()
	case stateRejected:
		pr.complete(d, o.err)
	case stateReleased, stateModified:
		pr.complete(d, kyu.WrapError(kyu.ErrSendFailed, o.err))
	default:
		if o.closed {
			pr.complete(d, o.err)
			pr.remoteClosed(o.err)
			return
		}
		pr.complete(d, kyu.WrapError(kyu.ErrSendFailed, o.err))
	}
	pr.pump()
}

// complete fails d. An asynchronous send already reported success, so its
// failure goes to the listener instead.
func (pr *producer) complete(d *delivery, err error) {
	pr.p.metrics.Sends.WithLabelValues(metrics.ProviderAMQP, metrics.OutcomeFailed).Inc()
	if d.result.IsComplete() {
		pr.p.listener().OnProviderException(fmt.Errorf("amqp: producer %s: %w", pr.info.Id, err))
		return
	}
	d.result.OnFailure(err)
}

// creditUpdated is called on the loop when the link gains credit.
func (pr *producer) creditUpdated() { pr.pump() }

// pump transfers pending sends while the link has credit.
func (pr *producer) pump() {
	if pr.state == producerClosed {
		return
	}
	for len(pr.pending) > 0 && pr.link.Credit() > 0 {
		d := pr.pending[0]
		pr.pending[0] = nil
		pr.pending = pr.pending[1:]
		pr.p.metrics.CreditBlockedSends.WithLabelValues(metrics.ProviderAMQP).Dec()
		pr.transfer(d)
	}
	if pr.state == producerClosing && len(pr.pending) == 0 && len(pr.outstanding) == 0 {
		pr.finishClose()
		return
	}
	pr.updateState()
}

func (pr *producer) updateState() {
	if pr.state >= producerClosing {
		return
	}
	switch {
	case len(pr.pending) > 0:
		pr.state = producerCreditBlocked
	case len(pr.outstanding) > 0:
		pr.state = producerSending
	default:
		pr.state = producerOpen
	}
}

// close waits for pending and outstanding sends to complete, at most the
// drain timeout, then detaches the link.
func (pr *producer) close(result kyu.AsyncResult) {
	switch pr.state {
	case producerClosed:
		result.OnSuccess()
		return
	case producerClosing:
		pr.closeResults = append(pr.closeResults, result)
		return
	}
	pr.state = producerClosing
	pr.closeResults = append(pr.closeResults, result)
	if d := pr.p.opts.drainTimeout; d > 0 {
		pr.drainTimer = pr.p.loop.Schedule(d, func() {
			if pr.state == producerClosing {
				pr.log.Debug().Int("outstanding", len(pr.outstanding)).Msg("drain timeout")
				pr.finishClose()
			}
		})
	}
	pr.pump()
}

func (pr *producer) finishClose() {
	if pr.state == producerClosed {
		return
	}
	pr.state = producerClosed
	if pr.drainTimer != nil {
		pr.drainTimer.Stop()
	}
	pr.p.removeProducer(pr.info.Id)
	pr.failAll(kyu.ErrClosed)

	link, results := pr.link, pr.closeResults
	pr.closeResults = nil
	timeout := pr.p.closeTimeout()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := link.Close(ctx)
		pr.p.finish(func() {
			for _, r := range results {
				if err != nil && !isClosedError(err) {
					r.OnFailure(remoteError(err))
					continue
				}
				r.OnSuccess()
			}
		}, results...)
	}()
}

// failAll fails every pending and outstanding send.
func (pr *producer) failAll(err error) {
	pending := pr.pending
	pr.pending = nil
	for _, d := range pending {
		pr.p.metrics.CreditBlockedSends.WithLabelValues(metrics.ProviderAMQP).Dec()
		d.result.OnFailure(err)
	}
	for d := range pr.outstanding {
		delete(pr.outstanding, d)
		pr.tags.release(d.tag)
		pr.p.metrics.Outstanding.WithLabelValues(metrics.ProviderAMQP).Dec()
		pr.complete(d, err)
	}
}

// abort ends the producer after a provider failure or close without touching
// the link.
func (pr *producer) abort(err error) {
	if pr.state == producerClosed {
		return
	}
	pr.state = producerClosed
	if pr.drainTimer != nil {
		pr.drainTimer.Stop()
	}
	pr.failAll(err)
	results := pr.closeResults
	pr.closeResults = nil
	for _, r := range results {
		r.OnFailure(err)
	}
}

// remoteClosed handles a link detached by the peer.
func (pr *producer) remoteClosed(cause error) {
	if pr.state == producerClosed {
		return
	}
	pr.log.Debug().Err(cause).Msg("sender link closed by peer")
	pr.p.removeProducer(pr.info.Id)
	pr.abort(cause)
	pr.p.listener().OnResourceClosed(pr.info, cause)
}
