package chatsync

import (
	"go.uber.org/zap"
)

// Merge combines two batches into one canonical, unique, time-ordered
// sequence. Inputs are not modified; the result holds copies.
//
// On an ID collision the incoming record wins when the existing one is
// optimistic and the incoming one is not, or when its version timestamp is
// not older. A confirmed record is never displaced by an optimistic one, and an
// optimistic record whose ID was echoed back as a confirmed record's ClientID
// is dropped. Records without an ID or creation time are dropped.
func Merge(existing, incoming []*Message) []*Message {
	return Deduplicator{}.Merge(existing, incoming)
}

// Deduplicator is Merge with logging and metrics for dropped records.
type Deduplicator struct {
	Logger  *zap.Logger
	Metrics *Metrics
}

// Merge implements the package-level Merge.
func (d Deduplicator) Merge(existing, incoming []*Message) []*Message {
	byID := make(map[string]*Message, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))
	confirmedClientIDs := make(map[string]struct{})

	add := func(m *Message) {
		if !d.valid(m) {
			return
		}
		if !m.IsOptimistic && m.ClientID != "" {
			confirmedClientIDs[m.ClientID] = struct{}{}
		}
		cur, ok := byID[m.ID]
		if !ok {
			byID[m.ID] = m.Clone()
			order = append(order, m.ID)
			return
		}
		if prefers(cur, m) {
			byID[m.ID] = m.Clone()
		}
	}
	for _, m := range existing {
		add(m)
	}
	for _, m := range incoming {
		add(m)
	}

	out := make([]*Message, 0, len(order))
	for _, id := range order {
		m := byID[id]
		if m.IsOptimistic {
			if _, swapped := confirmedClientIDs[m.ID]; swapped {
				continue
			}
		}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

func (d Deduplicator) valid(m *Message) bool {
	if m == nil {
		d.drop("nil_record", "")
		return false
	}
	if m.ID == "" {
		d.drop("missing_id", "")
		return false
	}
	if m.CreatedAt.IsZero() {
		d.drop("missing_timestamp", m.ID)
		return false
	}
	return true
}

func (d Deduplicator) drop(reason, id string) {
	if d.Logger != nil {
		d.Logger.Warn("malformed_message_dropped", zap.String("reason", reason), zap.String("msg_id", id))
	}
	d.Metrics.malformed(reason)
}

// prefers reports whether incoming should replace existing.
func prefers(existing, incoming *Message) bool {
	if existing.IsOptimistic != incoming.IsOptimistic {
		return existing.IsOptimistic
	}
	return !incoming.Version().Before(existing.Version())
}
