package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

var errNegativeAck = errors.New("receiver failed to apply chunk")

// stream drives the phases: an optional snapshot, then catch-up to the log
// position observed when it starts, then live streaming for as long as the
// session lasts
func (s *Session) stream(ctx context.Context) error {
	// 1. The client opens with its cursor
	var req protocol.Envelope
	select {
	case <-ctx.Done():
		return ctx.Err()
	case req = <-s.requests:
	}

	var p protocol.SyncRequestPayload
	if err := req.Unmarshal(&p); err != nil {
		s.sendError(ctx, protocol.CodeInvalidMessage, err.Error(), req.MessageID)
		p = protocol.SyncRequestPayload{}
	}

	from := p.LastLSN
	resume := p.Resume
	if resume {
		err := s.checkResumable(ctx, from)
		if errors.Is(err, ErrResyncRequired) {
			if err := s.forceResync(ctx, from, err, req.MessageID); err != nil {
				return err
			}
			resume = false
		} else if err != nil {
			return err
		}
	}

	for {
		// 2. Bootstrap when there is nothing to resume from
		if !resume {
			var err error
			if from, err = s.snapshot(ctx); err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
		}

		// 3. Replay what the client missed. Compaction may overtake the
		// replay, in which case the client starts over
		target, err := s.catchup(ctx, from)
		if errors.Is(err, ErrResyncRequired) {
			if err := s.forceResync(ctx, from, err, ""); err != nil {
				return err
			}
			resume = false
			continue
		}
		if err != nil {
			return fmt.Errorf("catchup: %w", err)
		}

		// 4. Follow the log
		return s.live(ctx, target)
	}
}

// forceResync tells the client its cursor is unusable. The same session
// continues with a snapshot
func (s *Session) forceResync(ctx context.Context, from models.LSN, cause error, ref string) error {
	metrics.ResyncsForced.Inc()
	s.logger.Warn("Client cursor not covered by the change log, forcing resync", "last_lsn", from, "error", cause)
	_, err := s.send(ctx, protocol.SrvError, protocol.ErrorPayload{
		Code:         protocol.CodeResyncRequired,
		Message:      cause.Error(),
		Resync:       true,
		RefMessageID: ref,
	})
	return err
}

// ensureCovered fails with ErrResyncRequired when entries after cursor were
// compacted away. Checked after a read, it proves that read was complete
func (s *Session) ensureCovered(ctx context.Context, cursor models.LSN) error {
	compacted, err := s.store.CompactedThrough(ctx)
	if err != nil {
		return fmt.Errorf("read retention mark: %w", err)
	}
	if cursor < compacted {
		return fmt.Errorf("%w: log compacted through %s while streaming from %s", ErrResyncRequired, compacted, cursor)
	}
	return nil
}

// checkResumable fails with ErrResyncRequired when the log no longer holds
// every entry after lsn, or when lsn is ahead of the log altogether
func (s *Session) checkResumable(ctx context.Context, lsn models.LSN) error {
	compacted, err := s.store.CompactedThrough(ctx)
	if err != nil {
		return fmt.Errorf("read retention mark: %w", err)
	}
	if lsn < compacted {
		return fmt.Errorf("%w: log compacted through %s, client at %s", ErrResyncRequired, compacted, lsn)
	}
	current, err := s.store.CurrentLSN(ctx)
	if err != nil {
		return fmt.Errorf("read current lsn: %w", err)
	}
	if lsn > current {
		return fmt.Errorf("%w: client at %s is ahead of the log at %s", ErrResyncRequired, lsn, current)
	}
	return nil
}

// snapshot streams every down-flowing table, parents first, in keyset pages.
// It returns the log position observed before the first page was read
func (s *Session) snapshot(ctx context.Context) (models.LSN, error) {
	s.beginPhase(models.StateInitial)

	start, err := s.store.CurrentLSN(ctx)
	if err != nil {
		return 0, err
	}

	tables := s.registry.Flowing(models.DirectionDown)
	counts := make([]protocol.TableCount, len(tables))
	for i, t := range tables {
		n, err := s.store.CountRows(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", t.Name, err)
		}
		counts[i] = protocol.TableCount{Table: t.Name, Rows: n}
	}

	if _, err := s.send(ctx, protocol.SrvInitStart, protocol.InitStartPayload{ServerLSN: start, Tables: counts}); err != nil {
		return 0, err
	}
	s.logger.Info("Snapshot started", "server_lsn", start, "tables", len(tables))

	size := s.opts.SnapshotPageSize
	ti, chunk, after := 0, 1, ""
	// marks[c-1] is the key chunk c of the current table starts after
	marks := []string{""}

	for ti < len(tables) {
		t := tables[ti]
		rows, last, err := s.store.SnapshotPage(ctx, t, after, size)
		if err != nil {
			return 0, fmt.Errorf("read %s page %d: %w", t.Name, chunk, err)
		}
		if len(rows) == 0 {
			ti, chunk, after, marks = ti+1, 1, "", []string{""}
			continue
		}

		total := max(int((counts[ti].Rows+int64(size)-1)/int64(size)), chunk)
		if len(rows) < size {
			total = chunk
		}

		changes := make([]models.TableChange, len(rows))
		for i, row := range rows {
			changes[i] = models.TableChange{Table: t.Name, Operation: models.OpInsert, Data: row, UpdatedAt: changeTime(row)}
		}

		env, err := protocol.New(protocol.SrvInitChanges, s.clientID, protocol.ChangesPayload{
			Changes:  changes,
			Sequence: &protocol.Sequence{Table: t.Name, Chunk: chunk, Total: total},
		})
		if err != nil {
			return 0, err
		}

		_, err = s.deliver(ctx, env, protocol.CltInitReceived, models.StateInitial)
		var gap *gapError
		if errors.As(err, &gap) {
			ti, chunk, after, marks, err = s.rewindSnapshot(tables, ti, chunk, marks, gap.expected)
			if err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		s.account(models.StateInitial, changes)
		chunk++
		after = last
		marks = append(marks, last)
	}

	if _, err := s.send(ctx, protocol.SrvInitComplete, protocol.InitCompletePayload{ServerLSN: start}); err != nil {
		return 0, err
	}
	s.sendStats(ctx, models.StateInitial)
	s.logger.Info("Snapshot complete", "server_lsn", start)
	return start, nil
}

func (s *Session) rewindSnapshot(tables []*models.Table, ti, chunk int, marks []string, expected protocol.Sequence) (int, int, string, []string, error) {
	s.logger.Warn("Client reported a snapshot gap, rewinding", "table", expected.Table, "chunk", expected.Chunk)
	metrics.Retransmissions.WithLabelValues(metrics.SideServer, string(models.StateInitial)).Inc()

	idx := -1
	for i, t := range tables {
		if t.Name == expected.Table {
			idx = i
			break
		}
	}
	switch {
	case idx < 0 || idx > ti:
		return 0, 0, "", nil, fmt.Errorf("%w: client expects %s chunk %d", protocol.ErrSequenceGap, expected.Table, expected.Chunk)
	case idx < ti:
		return idx, 1, "", []string{""}, nil
	case expected.Chunk >= 1 && expected.Chunk <= len(marks):
		return ti, expected.Chunk, marks[expected.Chunk-1], marks[:expected.Chunk], nil
	default:
		return ti, 1, "", []string{""}, nil
	}
}

// catchup replays log entries after from, up to the position observed when
// it starts, in stop-and-wait chunks. The final chunk carries its own number
// as total; earlier chunks leave it open because the log may be sparse
func (s *Session) catchup(ctx context.Context, from models.LSN) (models.LSN, error) {
	s.beginPhase(models.StateCatchup)

	target, err := s.store.CurrentLSN(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Catch-up started", "from", from, "target", target)

	size := s.opts.CatchupChunkSize
	cursor, chunk, sent := from, 1, 0
	marks := []models.LSN{from}

	for cursor < target {
		entries, err := s.store.FetchChanges(ctx, cursor, target, size+1)
		if err != nil {
			return 0, fmt.Errorf("fetch log after %s: %w", cursor, err)
		}
		if err := s.ensureCovered(ctx, cursor); err != nil {
			return 0, err
		}
		more := len(entries) > size
		if more {
			entries = entries[:size]
		}
		if len(entries) == 0 {
			break
		}

		changes, last, err := s.outgoing(entries)
		if err != nil {
			return 0, err
		}
		total := 0
		if !more {
			total = chunk
		}

		env, err := protocol.New(protocol.SrvCatchupChanges, s.clientID, protocol.ChangesPayload{
			Changes:  changes,
			Sequence: &protocol.Sequence{Chunk: chunk, Total: total},
			LastLSN:  last,
		})
		if err != nil {
			return 0, err
		}

		_, err = s.deliver(ctx, env, protocol.CltCatchupReceived, models.StateCatchup)
		var gap *gapError
		if errors.As(err, &gap) {
			exp := gap.expected.Chunk
			if exp < 1 || exp > len(marks) {
				return 0, fmt.Errorf("%w: client expects chunk %d", protocol.ErrSequenceGap, exp)
			}
			s.logger.Warn("Client reported a catch-up gap, rewinding", "chunk", exp)
			chunk, cursor, marks = exp, marks[exp-1], marks[:exp]
			continue
		}
		if err != nil {
			return 0, err
		}

		s.account(models.StateCatchup, changes)
		sent += len(changes)
		cursor = last
		chunk++
		marks = append(marks, cursor)
	}

	if _, err := s.send(ctx, protocol.SrvSyncCompleted, protocol.SyncCompletedPayload{
		StartLSN:    from,
		FinalLSN:    target,
		ChangeCount: sent,
		Success:     true,
	}); err != nil {
		return 0, err
	}
	s.sendStats(ctx, models.StateCatchup)
	s.logger.Info("Catch-up complete", "from", from, "final", target, "changes", sent)
	return target, nil
}

// live pushes new log entries as they commit. Notifications only wake the
// loop; the log is always re-read from the acknowledged cursor
func (s *Session) live(ctx context.Context, from models.LSN) error {
	s.beginPhase(models.StateLive)
	notify, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	cursor, chunk, batches := from, 1, 0
	for {
		for {
			entries, err := s.store.FetchChanges(ctx, cursor, models.ZeroLSN, s.opts.LiveBatchSize)
			if err != nil {
				return fmt.Errorf("fetch log after %s: %w", cursor, err)
			}
			if len(entries) == 0 {
				break
			}

			changes, last, err := s.outgoing(entries)
			if err != nil {
				return err
			}

			// Nothing left after echo filtering, only the cursor moves
			if len(changes) == 0 {
				if _, err := s.send(ctx, protocol.SrvLSNUpdate, protocol.LSNUpdatePayload{LSN: last}); err != nil {
					return err
				}
				cursor = last
				continue
			}

			env, err := protocol.New(protocol.SrvLiveChanges, s.clientID, protocol.ChangesPayload{
				Changes:  changes,
				Sequence: &protocol.Sequence{Chunk: chunk},
				LastLSN:  last,
			})
			if err != nil {
				return err
			}

			_, err = s.deliver(ctx, env, protocol.CltChangesApplied, models.StateLive)
			var gap *gapError
			if errors.As(err, &gap) {
				s.logger.Warn("Client reported a live gap, resending from cursor", "cursor", cursor, "chunk", gap.expected.Chunk)
				chunk = max(gap.expected.Chunk, 1)
				continue
			}
			if err != nil {
				return err
			}

			s.account(models.StateLive, changes)
			cursor = last
			chunk++
			batches++
			metrics.ServerLSN.Set(float64(cursor))
			if batches%s.opts.StatsEvery == 0 {
				s.sendStats(ctx, models.StateLive)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-ticker.C:
		}
	}
}

// outgoing converts log entries to their wire form, withholding the ones
// this client produced itself. last is the position of the final entry,
// filtered or not
func (s *Session) outgoing(entries []models.ChangeLogEntry) ([]models.TableChange, models.LSN, error) {
	changes := make([]models.TableChange, 0, len(entries))
	filtered := 0
	for _, e := range entries {
		if e.FromOrigin(s.clientID) {
			filtered++
			continue
		}
		c, err := e.ToTableChange()
		if err != nil {
			return nil, 0, err
		}
		changes = append(changes, c)
	}

	if filtered > 0 {
		metrics.ChangesFiltered.Add(float64(filtered))
		s.mu.Lock()
		s.stats.filtered += filtered
		s.mu.Unlock()
	}
	return changes, entries[len(entries)-1].LSN, nil
}

// deliver sends env and waits for the matching acknowledgment. A silent or
// negative receiver gets the same envelope again, up to MaxResends times
func (s *Session) deliver(ctx context.Context, env protocol.Envelope, ackType protocol.MessageType, phase models.SyncState) (protocol.AckPayload, error) {
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			metrics.Retransmissions.WithLabelValues(metrics.SideServer, string(phase)).Inc()
		}
		if err := s.sendEnvelope(ctx, env); err != nil {
			return protocol.AckPayload{}, err
		}

		ack, err := s.awaitAck(ctx, env.MessageID, ackType)
		if err == nil {
			return ack, nil
		}
		if !errors.Is(err, ErrAckTimeout) && !errors.Is(err, errNegativeAck) {
			return ack, err
		}

		s.logger.Warn("Chunk not acknowledged", "type", env.Type, "message_id", env.MessageID, "attempt", attempt, "reason", err)
		if attempt >= s.opts.MaxResends {
			s.sendError(ctx, protocol.CodeAckTimeout, err.Error(), env.MessageID)
			return ack, fmt.Errorf("%s %s after %d attempts: %w", env.Type, env.MessageID, attempt, err)
		}
		if errors.Is(err, errNegativeAck) {
			select {
			case <-ctx.Done():
				return ack, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
}

func (s *Session) awaitAck(ctx context.Context, ref string, ackType protocol.MessageType) (protocol.AckPayload, error) {
	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return protocol.AckPayload{}, ctx.Err()
		case <-timer.C:
			return protocol.AckPayload{}, ErrAckTimeout
		case env := <-s.acks:
			if env.Type == protocol.CltError {
				var p protocol.ErrorPayload
				if err := env.Unmarshal(&p); err != nil || p.RefMessageID != "" && p.RefMessageID != ref {
					continue
				}
				switch {
				case p.Code == protocol.CodeSequenceGap && p.Expected != nil:
					return protocol.AckPayload{}, &gapError{expected: *p.Expected}
				case p.Code == protocol.CodeApplyFailed:
					return protocol.AckPayload{}, fmt.Errorf("%w: %s", errNegativeAck, p.Message)
				}
				continue
			}
			if env.Type != ackType {
				continue
			}
			var ack protocol.AckPayload
			if err := env.Unmarshal(&ack); err != nil || ack.RefMessageID != ref {
				continue
			}
			if !ack.Success {
				return ack, fmt.Errorf("%w: %s", errNegativeAck, ack.Error)
			}
			return ack, nil
		}
	}
}

func (s *Session) beginPhase(state models.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.stats = sessionStats{phaseStart: time.Now(), perTable: make(map[string]map[models.Operation]int)}
}

func (s *Session) account(phase models.SyncState, changes []models.TableChange) {
	metrics.ChangesStreamed.WithLabelValues(string(phase)).Add(float64(len(changes)))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.sent += len(changes)
	for _, c := range changes {
		ops := s.stats.perTable[c.Table]
		if ops == nil {
			ops = make(map[models.Operation]int)
			s.stats.perTable[c.Table] = ops
		}
		ops[c.Operation]++
	}
}

// sendStats is informational, a failed send only gets logged
func (s *Session) sendStats(ctx context.Context, phase models.SyncState) {
	s.mu.Lock()
	payload := protocol.StatsPayload{
		Phase:        phase,
		Sent:         s.stats.sent,
		Filtered:     s.stats.filtered,
		Deduplicated: s.stats.deduplicated,
		PerTable:     s.stats.perTable,
		DurationMs:   time.Since(s.stats.phaseStart).Milliseconds(),
	}
	env, err := protocol.New(protocol.SrvSyncStats, s.clientID, payload)
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("stats not encoded", "error", err)
		return
	}
	if err := s.sendEnvelope(ctx, env); err != nil {
		s.logger.Debug("stats not delivered", "error", err)
	}
}
