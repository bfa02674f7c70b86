// Package monitor drives the forwarding cycle: fetch new messages from the
// source channels, filter and format them, and deliver them to the mapped
// destination chats.
package monitor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"forwardbot/internal/domain"
	"forwardbot/internal/logx"
	"forwardbot/internal/metrics"
	"forwardbot/internal/state"
	"forwardbot/internal/telegram"
)

const (
	fetchLimit     = 100
	apiConcurrency = 8
)

// Source is the read side of the pipeline, implemented by the gateway-backed
// client. Failed fetches surface as empty batches; the next cycle retries.
type Source interface {
	FetchMessages(ctx context.Context, channelID, after string, limit int) []domain.Message
	FetchPins(ctx context.Context, channelID string) []domain.Message
}

// Sender is the delivery side of the pipeline.
type Sender interface {
	SendText(ctx context.Context, chatID, text string, opts telegram.SendOptions) error
	SendPhoto(ctx context.Context, chatID, photoURL, caption string) error
	SendVideo(ctx context.Context, chatID, videoURL, caption string) error
	SendAudio(ctx context.Context, chatID, audioURL, caption string) error
	SendDocument(ctx context.Context, chatID, documentURL, caption string) error
}

type channelContext struct {
	mapping     domain.ChannelMapping
	engine      *filterEngine
	initialised bool
}

type fetchResult struct {
	messages  []domain.Message
	truncated bool
	timedOut  bool
}

// Monitor owns the poll loop state for one set of channel mappings.
type Monitor struct {
	source   Source
	sender   Sender
	state    *state.Store
	logger   *slog.Logger
	opts     domain.RuntimeOptions
	channels []*channelContext
	sem      chan struct{}

	// OnCursorAdvance, when set, is called after a channel's cursor moves so
	// the configuration store can persist it alongside the state file.
	OnCursorAdvance func(channelID, messageID string)

	sleep func(context.Context, time.Duration) error
}

// New builds a monitor over the active mappings. Channels whose cursor
// survived in the state store resume from it; the rest are baselined on
// first sight so history is never replayed.
func New(source Source, sender Sender, st *state.Store, mappings []domain.ChannelMapping, opts domain.RuntimeOptions, logger *slog.Logger) *Monitor {
	m := &Monitor{
		source: source,
		sender: sender,
		state:  st,
		logger: logger,
		opts:   opts,
		sem:    make(chan struct{}, apiConcurrency),
		sleep:  sleepCtx,
	}
	for _, mapping := range mappings {
		if !mapping.Active {
			continue
		}
		m.channels = append(m.channels, &channelContext{
			mapping:     mapping,
			engine:      newFilterEngine(mapping.Filters),
			initialised: st.LastMessageID(mapping.DiscordChannelID) != "",
		})
	}
	return m
}

// Run executes cycles until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.opts.PollInterval * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		fetched, forwarded := m.RunOnce(ctx)
		latency := time.Since(start)
		metrics.CycleLatency.Observe(latency.Seconds())
		logx.Emit(m.logger, slog.LevelInfo, logx.Event{
			Name:      "monitor_iteration",
			Attempt:   iteration,
			Outcome:   "success",
			LatencyMs: float64(latency.Milliseconds()),
			Extra: map[string]any{
				"channel_count":      len(m.channels),
				"fetched_messages":   fetched,
				"forwarded_messages": forwarded,
			},
		})
		if err := m.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// RunOnce performs one cycle: concurrent per-channel fetches, then ordered
// forwarding, then pin sync, then a state flush.
func (m *Monitor) RunOnce(ctx context.Context) (fetched, forwarded int) {
	metrics.ActiveChannels.Set(int64(len(m.channels)))

	results := make([]fetchResult, len(m.channels))
	var wg sync.WaitGroup
	for i, cctx := range m.channels {
		wg.Add(1)
		go func(i int, cctx *channelContext) {
			defer wg.Done()
			results[i] = m.fetchChannel(ctx, cctx)
		}(i, cctx)
	}
	wg.Wait()

	for i, cctx := range m.channels {
		if ctx.Err() != nil {
			break
		}
		f, fw := m.processChannel(ctx, cctx, results[i])
		fetched += f
		forwarded += fw
		m.syncPins(ctx, cctx)
	}

	if err := m.state.Save(); err != nil {
		logx.Emit(m.logger, slog.LevelError, logx.Event{
			Name:    "state_save_failed",
			Outcome: "failure",
			Extra:   map[string]any{"error": err.Error()},
		})
	}
	return fetched, forwarded
}

// fetchChannel pages through everything newer than the channel cursor. The
// pagination stops on a short batch, the per-cycle message cap, or the fetch
// time budget.
func (m *Monitor) fetchChannel(ctx context.Context, cctx *channelContext) fetchResult {
	channelID := cctx.mapping.DiscordChannelID
	cursor := m.state.LastMessageID(channelID)
	limit := m.opts.FetchBatchSize
	if limit <= 0 || limit > fetchLimit {
		limit = fetchLimit
	}
	maxMessages := m.opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = fetchLimit
	}

	var result fetchResult
	start := time.Now()
	for {
		if len(result.messages) >= maxMessages {
			result.truncated = true
			break
		}
		if m.opts.MaxFetchSecs > 0 && time.Since(start).Seconds() >= m.opts.MaxFetchSecs {
			result.timedOut = true
			break
		}
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return result
		}
		batch := m.source.FetchMessages(ctx, channelID, cursor, limit)
		<-m.sem
		if len(batch) == 0 {
			break
		}
		result.messages = append(result.messages, batch...)
		if len(result.messages) >= maxMessages {
			result.truncated = true
			result.messages = result.messages[:maxMessages]
			break
		}
		if len(batch) < limit {
			break
		}
		cursor = batch[len(batch)-1].ID
	}

	logx.Emit(m.logger, slog.LevelDebug, logx.Event{
		Name:      "source_fetch_complete",
		ChannelID: channelID,
		ChatID:    cctx.mapping.TelegramChatID,
		Attempt:   1,
		Outcome:   "success",
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Extra: map[string]any{
			"message_count": len(result.messages),
			"truncated":     result.truncated,
			"timed_out":     result.timedOut,
		},
	})
	return result
}

// processChannel forwards the fetched batch in order. The cursor advances
// past every message with an ID, including ones a send failure skipped, so a
// broken message cannot wedge the channel.
func (m *Monitor) processChannel(ctx context.Context, cctx *channelContext, result fetchResult) (fetched, forwarded int) {
	channelID := cctx.mapping.DiscordChannelID
	messages := result.messages

	if !cctx.initialised {
		if len(messages) > 0 {
			m.advanceCursor(cctx, messages[len(messages)-1].ID)
		}
		cctx.initialised = true
		return 0, 0
	}
	if len(messages) == 0 {
		return 0, 0
	}

	fetched = len(messages)
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if msg.ID == "" {
			continue
		}
		sent, err := m.forwardMessage(ctx, cctx, msg)
		m.advanceCursor(cctx, msg.ID)
		if err != nil {
			metrics.ForwardErrors.Inc()
			logx.Emit(m.logger, slog.LevelWarn, logx.Event{
				Name:      "forward_failed",
				ChannelID: channelID,
				MessageID: msg.ID,
				ChatID:    cctx.mapping.TelegramChatID,
				Attempt:   1,
				Outcome:   "failure",
				Extra:     map[string]any{"error": err.Error()},
			})
			continue
		}
		if sent {
			forwarded++
		}
	}
	return fetched, forwarded
}

func (m *Monitor) advanceCursor(cctx *channelContext, messageID string) {
	if messageID == "" {
		return
	}
	m.state.SetLastMessageID(cctx.mapping.DiscordChannelID, messageID)
	if m.OnCursorAdvance != nil {
		m.OnCursorAdvance(cctx.mapping.DiscordChannelID, messageID)
	}
}

// forwardMessage filters, formats, and delivers one message. It reports
// whether anything was sent; filtered messages return (false, nil).
func (m *Monitor) forwardMessage(ctx context.Context, cctx *channelContext, msg domain.Message) (bool, error) {
	start := time.Now()
	view := newMessageView(msg)
	decision := cctx.engine.Evaluate(view)
	if !decision.Allowed {
		metrics.MessagesFiltered.Inc()
		logx.Emit(m.logger, slog.LevelDebug, logx.Event{
			Name:      "message_filtered",
			ChannelID: cctx.mapping.DiscordChannelID,
			MessageID: msg.ID,
			ChatID:    cctx.mapping.TelegramChatID,
			Attempt:   1,
			Outcome:   "skipped",
			LatencyMs: float64(time.Since(start).Milliseconds()),
			Extra:     map[string]any{"reason": decision.Reason},
		})
		return false, nil
	}

	out := renderAnnouncement(cctx.mapping, view)
	if err := m.deliver(ctx, cctx, view, out); err != nil {
		return false, err
	}

	metrics.MessagesForwarded.Inc()
	logx.Emit(m.logger, slog.LevelInfo, logx.Event{
		Name:      "message_forwarded",
		ChannelID: cctx.mapping.DiscordChannelID,
		MessageID: msg.ID,
		ChatID:    cctx.mapping.TelegramChatID,
		Attempt:   1,
		Outcome:   "success",
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Extra: map[string]any{
			"attachment_count": len(msg.Attachments),
			"extra_messages":   len(out.Extra),
		},
	})
	return true, nil
}

// deliver sends the main text, any continuation chunks, and then each
// attachment routed by category. A jittered pause follows every send.
func (m *Monitor) deliver(ctx context.Context, cctx *channelContext, view *messageView, out rendered) error {
	chatID := cctx.mapping.TelegramChatID
	opts := telegram.SendOptions{ParseMode: out.ParseMode, DisablePreview: out.DisablePreview}

	if err := m.sender.SendText(ctx, chatID, out.Text, opts); err != nil {
		return err
	}
	if err := m.sleepJitter(ctx); err != nil {
		return err
	}
	for _, extra := range out.Extra {
		if extra == "" {
			continue
		}
		if err := m.sender.SendText(ctx, chatID, extra, opts); err != nil {
			return err
		}
		if err := m.sleepJitter(ctx); err != nil {
			return err
		}
	}

	for i, attachment := range view.msg.Attachments {
		if attachment.URL == "" {
			continue
		}
		err := m.sendAttachment(ctx, chatID, attachment.URL, view.categories[i], attachmentCaption(attachment))
		if sleepErr := m.sleepJitter(ctx); err == nil {
			err = sleepErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) sendAttachment(ctx context.Context, chatID, url, category, caption string) error {
	switch category {
	case "image":
		return m.sender.SendPhoto(ctx, chatID, url, caption)
	case "video":
		return m.sender.SendVideo(ctx, chatID, url, caption)
	case "audio":
		return m.sender.SendAudio(ctx, chatID, url, caption)
	default:
		return m.sender.SendDocument(ctx, chatID, url, caption)
	}
}

// syncPins forwards pins that appeared since the last cycle. The first
// sighting of a channel records the current pins without forwarding;
// unpinned IDs fall out of the known set so a re-pin forwards again.
func (m *Monitor) syncPins(ctx context.Context, cctx *channelContext) {
	if ctx.Err() != nil {
		return
	}
	channelID := cctx.mapping.DiscordChannelID
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	pins := m.source.FetchPins(ctx, channelID)
	<-m.sem

	current := make(map[string]struct{}, len(pins))
	for _, pin := range pins {
		if pin.ID != "" {
			current[pin.ID] = struct{}{}
		}
	}

	known, recorded := m.state.KnownPins(channelID)
	if !recorded {
		m.state.SetKnownPins(channelID, current)
		return
	}

	fresh := make([]domain.Message, 0, len(pins))
	for _, pin := range pins {
		if _, seen := known[pin.ID]; !seen && pin.ID != "" {
			fresh = append(fresh, pin)
		}
	}
	domain.SortMessages(fresh)

	for _, pin := range fresh {
		if ctx.Err() != nil {
			return
		}
		view := newMessageView(pin)
		if decision := cctx.engine.Evaluate(view); !decision.Allowed {
			continue
		}
		out := renderPinned(cctx.mapping, view)
		if err := m.deliver(ctx, cctx, view, out); err != nil {
			metrics.ForwardErrors.Inc()
			logx.Emit(m.logger, slog.LevelWarn, logx.Event{
				Name:      "pin_forward_failed",
				ChannelID: channelID,
				MessageID: pin.ID,
				ChatID:    cctx.mapping.TelegramChatID,
				Attempt:   1,
				Outcome:   "failure",
				Extra:     map[string]any{"error": err.Error()},
			})
			continue
		}
		metrics.PinsForwarded.Inc()
		logx.Emit(m.logger, slog.LevelInfo, logx.Event{
			Name:      "pin_forwarded",
			ChannelID: channelID,
			MessageID: pin.ID,
			ChatID:    cctx.mapping.TelegramChatID,
			Attempt:   1,
			Outcome:   "success",
		})
	}
	m.state.SetKnownPins(channelID, current)
}

func (m *Monitor) sleepJitter(ctx context.Context) error {
	minDelay, maxDelay := m.opts.MinDelayMs, m.opts.MaxDelayMs
	if maxDelay <= 0 {
		return nil
	}
	if minDelay > maxDelay {
		minDelay, maxDelay = maxDelay, minDelay
	}
	delay := minDelay
	if maxDelay > minDelay {
		delay += rand.IntN(maxDelay - minDelay + 1)
	}
	if delay <= 0 {
		return nil
	}
	return m.sleep(ctx, time.Duration(delay)*time.Millisecond)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
