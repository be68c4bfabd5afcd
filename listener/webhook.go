package listener

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/trace"
	"github.com/ceyewan/lookupd/xerrors"
)

// webhook 以 JSON POST 投递事件
type webhook struct {
	r   *resolver
	url string
}

func (w *webhook) Deliver(ctx context.Context, ev *registry.RemoteEvent) (err error) {
	start := time.Now()
	ctx, span, headers := trace.StartDeliverySpan(ctx, trace.DeliveryMeta{
		System:      "http",
		Destination: w.url,
		EventID:     ev.EventID,
		SeqNo:       ev.SeqNo,
	})
	defer func() {
		trace.MarkSpanError(span, err)
		span.End()
		w.r.observe(ctx, "http", start, err)
	}()

	body, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(err, "encode event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrapf(registry.ErrListenerGone, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range eventHeaders(ev) {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.r.client.Do(req)
	if err != nil {
		return xerrors.Wrapf(err, "post event to %s", w.url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return xerrors.Wrapf(registry.ErrListenerGone, "%s answered %d", w.url, resp.StatusCode)
	default:
		return xerrors.WithCode(fmt.Errorf("%s answered %d", w.url, resp.StatusCode), "HTTP_"+strconv.Itoa(resp.StatusCode))
	}
}

// eventHeaders 投递元数据，接收方不解析正文也能去重、排序
func eventHeaders(ev *registry.RemoteEvent) map[string]string {
	h := map[string]string{
		HeaderRegistryID: ev.RegistryID.String(),
		HeaderEventID:    strconv.FormatInt(ev.EventID, 10),
		HeaderSeqNo:      strconv.FormatInt(ev.SeqNo, 10),
	}
	if len(ev.Handback) > 0 {
		h[HeaderHandback] = base64.StdEncoding.EncodeToString(ev.Handback)
	}
	return h
}
