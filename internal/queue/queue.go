// Package queue implements the C3 per-channel playback queue: two storage
// shapes (FIFO list, priority sorted set) behind one interface, with an
// explicit one-shot Migrate between them per spec §4.3.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
)

// roleBase assigns the priority-discipline base score per spec §4.3: lower
// wins, so vip < admin < user, and timestamp/scale breaks ties within a role.
var roleBase = map[domain.Role]int64{
	domain.RoleVIP:        0,
	domain.RoleAdmin:      1000,
	domain.RoleSuperadmin: 1000,
	domain.RoleModerator:  1000,
	domain.RoleOperator:   1000,
	domain.RoleUser:       2000,
}

// scale is large enough that a unix timestamp (seconds) divided by it never
// reaches 1000 — the spread between adjacent role bases — within this
// system's operational lifetime.
const scale = 1_000_000_000

// Engine is the queue engine bound to one shared store.
type Engine struct {
	store    *sharedstore.Store
	hub      *eventhub.Hub
	maxLen   int
}

// New constructs a queue Engine. maxLength is QUEUE_MAX_LENGTH_DEFAULT unless
// a channel overrides it (not modeled per-channel here; spec §4.3 treats the
// default as the enforced cap).
func New(store *sharedstore.Store, hub *eventhub.Hub, maxLength int) *Engine {
	return &Engine{store: store, hub: hub, maxLen: maxLength}
}

func listKey(channelID string) string  { return fmt.Sprintf("queue:%s", channelID) }
func stateKey(channelID string) string { return fmt.Sprintf("queue_state:%s", channelID) }

type queueState struct {
	Discipline           domain.Discipline `json:"discipline"`
	IsPlaceholderActive  bool              `json:"is_placeholder_active"`
}

func (e *Engine) loadState(ctx context.Context, channelID string) (queueState, error) {
	raw, ok, err := e.store.Get(ctx, stateKey(channelID))
	if err != nil {
		return queueState{}, err
	}
	if !ok {
		return queueState{Discipline: domain.DisciplineFIFO}, nil
	}
	var st queueState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return queueState{Discipline: domain.DisciplineFIFO}, nil
	}
	return st, nil
}

func (e *Engine) saveState(ctx context.Context, channelID string, st queueState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("queue: marshal state: %w", err)
	}
	return e.store.SetWithTTL(ctx, stateKey(channelID), string(blob), 0)
}

func encodeItem(item domain.PlaylistItem) (string, error) {
	blob, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("queue: encode item: %w", err)
	}
	return string(blob), nil
}

func decodeItem(blob string) (domain.PlaylistItem, error) {
	var item domain.PlaylistItem
	if err := json.Unmarshal([]byte(blob), &item); err != nil {
		return domain.PlaylistItem{}, coreerr.New(coreerr.KindDecode, "queue_item_decode", "corrupted queue item blob")
	}
	return item, nil
}

func score(item domain.PlaylistItem) float64 {
	base := roleBase[item.RequesterRole]
	return float64(base) + float64(item.CreatedAt.Unix()%scale)/float64(scale)
}

// Add appends item under FIFO discipline or scores it under priority
// discipline, returning its resulting position (0-based) among current
// items. Fails with queue_full once len(queue) == max_length.
func (e *Engine) Add(ctx context.Context, channelID string, item domain.PlaylistItem, requesterRole domain.Role) (int, error) {
	item.RequesterRole = requesterRole
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return 0, err
	}

	size, err := e.size(ctx, channelID, st.Discipline)
	if err != nil {
		return 0, err
	}
	if size >= e.maxLen {
		return 0, coreerr.New(coreerr.KindConflict, "queue_full", "queue is at max_length")
	}

	blob, err := encodeItem(item)
	if err != nil {
		return 0, err
	}

	switch st.Discipline {
	case domain.DisciplinePriority:
		if err := e.store.ZAdd(ctx, listKey(channelID), blob, score(item)); err != nil {
			return 0, err
		}
	default:
		if err := e.store.ListPushTail(ctx, listKey(channelID), blob); err != nil {
			return 0, err
		}
	}

	e.clearPlaceholderIfSet(ctx, channelID, &st)
	metrics.IncQueueOp(channelID, metrics.OpAdd)
	e.publishQueueUpdate(ctx, channelID, "add", &item)
	return size, nil
}

// PriorityAdd inserts item at the front of its role band regardless of
// discipline: under FIFO it pushes to head; under priority it scores at the
// minimum of the role's band.
func (e *Engine) PriorityAdd(ctx context.Context, channelID string, item domain.PlaylistItem, requesterRole domain.Role) error {
	item.RequesterRole = requesterRole
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return err
	}

	blob, err := encodeItem(item)
	if err != nil {
		return err
	}

	switch st.Discipline {
	case domain.DisciplinePriority:
		base := roleBase[requesterRole]
		if err := e.store.ZAdd(ctx, listKey(channelID), blob, float64(base)); err != nil {
			return err
		}
	default:
		if err := e.store.ListPushHead(ctx, listKey(channelID), blob); err != nil {
			return err
		}
	}

	e.clearPlaceholderIfSet(ctx, channelID, &st)
	metrics.IncQueueOp(channelID, metrics.OpPriorityAdd)
	e.publishQueueUpdate(ctx, channelID, "priority_add", &item)
	return nil
}

// Remove deletes an item by ID, searching the active discipline's shape.
func (e *Engine) Remove(ctx context.Context, channelID, itemID string) (bool, error) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return false, err
	}

	items, err := e.snapshotRaw(ctx, channelID, st.Discipline)
	if err != nil {
		return false, err
	}
	var found string
	for _, raw := range items {
		item, err := decodeItem(raw)
		if err != nil {
			continue
		}
		if item.ID == itemID {
			found = raw
			break
		}
	}
	if found == "" {
		return false, nil
	}

	switch st.Discipline {
	case domain.DisciplinePriority:
		if _, err := e.store.ZRem(ctx, listKey(channelID), found); err != nil {
			return false, err
		}
	default:
		if _, err := e.store.ListRemove(ctx, listKey(channelID), found); err != nil {
			return false, err
		}
	}
	metrics.IncQueueOp(channelID, metrics.OpRemove)
	e.publishQueueUpdate(ctx, channelID, "remove", nil)
	return true, nil
}

// Move relocates an item to a new 0-based position. Only meaningful under
// FIFO discipline — spec §4.3 models Move as a list reorder; under priority
// discipline there is no caller-chosen position (the score is authoritative),
// so Move returns invalid_position.
func (e *Engine) Move(ctx context.Context, channelID, itemID string, newPosition int) (bool, error) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return false, err
	}
	if st.Discipline == domain.DisciplinePriority {
		return false, coreerr.New(coreerr.KindValidation, "invalid_position", "cannot reposition items under priority discipline")
	}
	if newPosition < 0 {
		return false, coreerr.New(coreerr.KindValidation, "invalid_position", "position must be non-negative")
	}

	items, err := e.snapshotRaw(ctx, channelID, st.Discipline)
	if err != nil {
		return false, err
	}
	var found string
	for _, raw := range items {
		item, err := decodeItem(raw)
		if err != nil {
			continue
		}
		if item.ID == itemID {
			found = raw
			break
		}
	}
	if found == "" {
		return false, nil
	}

	moved, err := e.store.ListMove(ctx, listKey(channelID), found, newPosition)
	if err != nil {
		return false, err
	}
	if moved {
		metrics.IncQueueOp(channelID, metrics.OpMove)
		e.publishQueueUpdate(ctx, channelID, "move", nil)
	}
	return moved, nil
}

// Skip pops the current head/min item and advances, returning its ID.
func (e *Engine) Skip(ctx context.Context, channelID string) (string, bool, error) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return "", false, err
	}

	var raw string
	var ok bool
	switch st.Discipline {
	case domain.DisciplinePriority:
		raw, ok, err = e.store.ZPopMin(ctx, listKey(channelID))
	default:
		raw, ok, err = e.store.ListPopHead(ctx, listKey(channelID))
	}
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	item, err := decodeItem(raw)
	if err != nil {
		metrics.IncQueueOp(channelID, metrics.OpSkip)
		return "", true, nil
	}
	metrics.IncQueueOp(channelID, metrics.OpSkip)
	e.publishQueueUpdate(ctx, channelID, "remove", &item)
	return item.ID, true, nil
}

// Peek returns the current head/min item without removing it.
func (e *Engine) Peek(ctx context.Context, channelID string) (domain.PlaylistItem, bool, error) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return domain.PlaylistItem{}, false, err
	}

	var raw string
	var ok bool
	switch st.Discipline {
	case domain.DisciplinePriority:
		raw, ok, err = e.store.ZPeekMin(ctx, listKey(channelID))
	default:
		raw, ok, err = e.store.ListPeekHead(ctx, listKey(channelID))
	}
	if err != nil {
		return domain.PlaylistItem{}, false, err
	}
	if !ok {
		return domain.PlaylistItem{}, false, nil
	}
	item, err := decodeItem(raw)
	if err != nil {
		return domain.PlaylistItem{}, false, err
	}
	return item, true, nil
}

// Snapshot returns the queue's current ordering.
func (e *Engine) Snapshot(ctx context.Context, channelID string) ([]domain.PlaylistItem, error) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return nil, err
	}
	raws, err := e.snapshotRaw(ctx, channelID, st.Discipline)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PlaylistItem, 0, len(raws))
	for _, raw := range raws {
		item, err := decodeItem(raw)
		if err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (e *Engine) snapshotRaw(ctx context.Context, channelID string, discipline domain.Discipline) ([]string, error) {
	if discipline == domain.DisciplinePriority {
		scored, err := e.store.ZAllWithScores(ctx, listKey(channelID))
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(scored))
		for _, s := range scored {
			if member, ok := s.Member.(string); ok {
				out = append(out, member)
			}
		}
		return out, nil
	}
	return e.store.ListAll(ctx, listKey(channelID))
}

func (e *Engine) size(ctx context.Context, channelID string, discipline domain.Discipline) (int, error) {
	if discipline == domain.DisciplinePriority {
		n, err := e.store.ZCard(ctx, listKey(channelID))
		return int(n), err
	}
	n, err := e.store.ListLen(ctx, listKey(channelID))
	return int(n), err
}

// SetDiscipline switches the active discipline; fails with has_items unless
// the queue is currently empty.
func (e *Engine) SetDiscipline(ctx context.Context, channelID string, discipline domain.Discipline) error {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return err
	}
	size, err := e.size(ctx, channelID, st.Discipline)
	if err != nil {
		return err
	}
	if size > 0 {
		return coreerr.New(coreerr.KindConflict, "has_items", "queue must be empty to change discipline")
	}
	st.Discipline = discipline
	return e.saveState(ctx, channelID, st)
}

// Migrate transfers every item from the from-shape to the to-shape,
// leaving the source empty, and returns the count moved.
func (e *Engine) Migrate(ctx context.Context, channelID string, from, to domain.Discipline) (int, error) {
	if from == to {
		return 0, nil
	}
	items, err := e.snapshotRaw(ctx, channelID, from)
	if err != nil {
		return 0, err
	}

	for _, raw := range items {
		item, err := decodeItem(raw)
		if err != nil {
			continue
		}
		switch to {
		case domain.DisciplinePriority:
			if err := e.store.ZAdd(ctx, listKey(channelID)+":migrating", raw, score(item)); err != nil {
				return 0, err
			}
		default:
			if err := e.store.ListPushTail(ctx, listKey(channelID)+":migrating", raw); err != nil {
				return 0, err
			}
		}
	}

	if err := e.store.DeleteAll(ctx, listKey(channelID)); err != nil {
		return 0, err
	}

	renamed, err := e.renameMigrated(ctx, channelID, to, len(items))
	if err != nil {
		return 0, err
	}

	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return 0, err
	}
	st.Discipline = to
	if err := e.saveState(ctx, channelID, st); err != nil {
		return 0, err
	}
	return renamed, nil
}

func (e *Engine) renameMigrated(ctx context.Context, channelID string, to domain.Discipline, count int) (int, error) {
	migratingKey := listKey(channelID) + ":migrating"
	// Move every entry from the scratch key into the canonical key, then
	// drop the scratch key; both shapes support bulk re-add from a snapshot.
	var moved []string
	if to == domain.DisciplinePriority {
		scored, err := e.store.ZAllWithScores(ctx, migratingKey)
		if err != nil {
			return 0, err
		}
		for _, s := range scored {
			member, ok := s.Member.(string)
			if !ok {
				continue
			}
			if err := e.store.ZAdd(ctx, listKey(channelID), member, s.Score); err != nil {
				return 0, err
			}
			moved = append(moved, member)
		}
	} else {
		all, err := e.store.ListAll(ctx, migratingKey)
		if err != nil {
			return 0, err
		}
		for _, v := range all {
			if err := e.store.ListPushTail(ctx, listKey(channelID), v); err != nil {
				return 0, err
			}
		}
		moved = all
	}
	if err := e.store.DeleteAll(ctx, migratingKey); err != nil {
		return 0, err
	}
	return len(moved), nil
}

func (e *Engine) clearPlaceholderIfSet(ctx context.Context, channelID string, st *queueState) {
	if !st.IsPlaceholderActive {
		return
	}
	st.IsPlaceholderActive = false
	_ = e.saveState(ctx, channelID, *st)
}

// MarkPlaceholderActive records that the worker entered placeholder
// playback, per spec §4.3's placeholder rule.
func (e *Engine) MarkPlaceholderActive(ctx context.Context, channelID string, active bool) error {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return err
	}
	st.IsPlaceholderActive = active
	return e.saveState(ctx, channelID, st)
}

func (e *Engine) publishQueueUpdate(ctx context.Context, channelID, action string, item *domain.PlaylistItem) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return
	}
	size, _ := e.size(ctx, channelID, st.Discipline)
	metrics.QueueSize.WithLabelValues(channelID).Set(float64(size))

	if e.hub == nil {
		return
	}
	payload := map[string]any{
		"action":     action,
		"queue_size": size,
	}
	if item != nil {
		payload["item"] = item
	}
	e.hub.Publish(eventhub.Event{
		Type:      eventhub.EventQueueUpdate,
		ChannelID: channelID,
		OccurredAt: time.Now(),
		Payload:   payload,
	})
}

// Clear empties channelID's queue under its active discipline, returning the
// number of items removed.
func (e *Engine) Clear(ctx context.Context, channelID string) (int, error) {
	st, err := e.loadState(ctx, channelID)
	if err != nil {
		return 0, err
	}
	size, err := e.size(ctx, channelID, st.Discipline)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	if err := e.store.DeleteAll(ctx, listKey(channelID)); err != nil {
		return 0, err
	}
	metrics.IncQueueOp(channelID, metrics.OpClear)
	e.publishQueueUpdate(ctx, channelID, "clear", nil)
	return size, nil
}
