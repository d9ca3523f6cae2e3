package notifier

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"dexwatch/internal/eventbus"
	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

// fanoutResult counts the outcome of sending one item to every subscriber.
type fanoutResult struct {
	Sent      int
	Failed    int
	Fallbacks int
	Failures  []int64
}

type fanoutJob struct {
	cycle    string
	id       string
	media    kit.Media
	fallback kit.Media
	// primaryIsFallback is set when resolution already chose the fallback.
	primaryIsFallback bool
	caption           string
	targets           []int64
}

// fanout sends j to every target in order. A failed target is logged and
// counted; if the primary media failed, the fallback asset is tried once for
// that target only. Failures that reject the recipient itself are not retried.
func (d *Dispatcher) fanout(ctx context.Context, j fanoutJob, lim *rate.Limiter, sendTimeout time.Duration) fanoutResult {
	var res fanoutResult
	opt := &kit.SendOptions{ParseMode: kit.ParseModeMarkdownV2, DisablePreview: true}
	for _, chatID := range j.targets {
		if ctx.Err() != nil {
			// shutdown: the rest of the targets are not attempted.
			res.Failed += len(j.targets) - res.Sent - res.Failed
			break
		}
		to := kit.ChatTarget{ChatID: chatID}
		err := d.sendOne(ctx, lim, sendTimeout, to, j.media, j.caption, opt)
		if err != nil && !j.primaryIsFallback && !j.fallback.IsZero() && retryable(ctx, err) {
			d.log.Debug("send failed with primary media; retrying with fallback",
				logx.String("cycle", j.cycle), logx.String("id", j.id), logx.Int64("chat_id", chatID), logx.Err(err))
			d.publish(eventbus.DispatchFallback, j.cycle, j.id, chatID, err)
			err = d.sendOne(ctx, lim, sendTimeout, to, j.fallback, j.caption, opt)
			if err == nil {
				res.Fallbacks++
			}
		}
		if err != nil {
			res.Failed++
			if len(res.Failures) < 200 {
				res.Failures = append(res.Failures, chatID)
			}
			d.log.Warn("send failed", logx.String("cycle", j.cycle), logx.String("id", j.id), logx.Int64("chat_id", chatID), logx.Err(err))
			d.publish(eventbus.DispatchFailed, j.cycle, j.id, chatID, err)
			continue
		}
		res.Sent++
		d.publish(eventbus.DispatchSent, j.cycle, j.id, chatID, nil)
	}
	return res
}

// retryable reports whether a send error may be caused by the media.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, kit.ErrRecipientUnavailable)
}

func (d *Dispatcher) sendOne(ctx context.Context, lim *rate.Limiter, timeout time.Duration, to kit.ChatTarget, media kit.Media, caption string, opt *kit.SendOptions) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := d.adapter.SendMedia(sctx, to, media, caption, opt)
	return err
}

func (d *Dispatcher) publish(typ, cycle, id string, chatID int64, err error) {
	data := eventbus.SendData{Cycle: cycle, ID: id, ChatID: chatID}
	if err != nil {
		data.Err = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Feed: d.cfg.Feed, Data: data})
}
