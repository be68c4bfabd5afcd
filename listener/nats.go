package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/trace"
	"github.com/ceyewan/lookupd/xerrors"
)

// natsListener 把事件发布到一个 subject
type natsListener struct {
	r       *resolver
	subject string
}

func (n *natsListener) Deliver(ctx context.Context, ev *registry.RemoteEvent) (err error) {
	start := time.Now()
	ctx, span, headers := trace.StartDeliverySpan(ctx, trace.DeliveryMeta{
		System:      "nats",
		Destination: n.subject,
		EventID:     ev.EventID,
		SeqNo:       ev.SeqNo,
	})
	defer func() {
		trace.MarkSpanError(span, err)
		span.End()
		n.r.observe(ctx, "nats", start, err)
	}()

	// NATS Core 发布不接受 context，只在发布前检查
	if err := ctx.Err(); err != nil {
		return err
	}
	nc, err := n.r.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(err, "encode event")
	}

	msg := &nats.Msg{Subject: n.subject, Data: data, Header: nats.Header{}}
	for k, v := range eventHeaders(ev) {
		msg.Header.Set(k, v)
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := nc.PublishMsg(msg); err != nil {
		if xerrors.Is(err, nats.ErrBadSubject) {
			return xerrors.Wrapf(registry.ErrListenerGone, "publish to %s: %v", n.subject, err)
		}
		return xerrors.Wrapf(err, "publish to %s", n.subject)
	}
	return nil
}
