package feed

import (
	"delta-trend-bot-go/internal/models"
	"strings"

	"github.com/tidwall/gjson"
)

// EventKind classifies a private socket message.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventOrder
	EventPosition
	EventControl // acknowledgements, heartbeats, auth results
)

func (k EventKind) String() string {
	switch k {
	case EventOrder:
		return "order"
	case EventPosition:
		return "position"
	case EventControl:
		return "control"
	}
	return "unknown"
}

// Event is a decoded private message. Exactly one of Orders or Positions is
// populated, according to Kind.
type Event struct {
	Kind      EventKind
	Orders    []models.OrderUpdate
	Positions []models.PositionSnapshot
}

var controlTypes = map[string]bool{
	"subscriptions":    true,
	"unsubscribed":     true,
	"auth":             true,
	"success":          true,
	"error":            true,
	"heartbeat":        true,
	"enable_heartbeat": true,
	"pong":             true,
}

var (
	orderKeys    = []string{"order", "order_id", "avg_fill_price", "order_state", "stop_price", "reduce_only", "filled_size"}
	positionKeys = []string{"position", "size", "avg_entry_price", "entry_price", "unrealised_pnl", "unrealized_pnl"}
)

// DecodeEvent classifies message and normalizes its payload. The
// discriminators are tried in a fixed order: the type field, the channel
// name, the event name, then the presence of order fields before position
// fields. Anything else is EventUnknown.
func DecodeEvent(message []byte) Event {
	if !gjson.ValidBytes(message) {
		return Event{Kind: EventUnknown}
	}
	msg := gjson.ParseBytes(message)
	if !msg.IsObject() {
		return Event{Kind: EventUnknown}
	}

	typ := strings.ToLower(msg.Get("type").String())
	switch {
	case typ == "orders" || typ == "order_update":
		return orderEvent(payloadOf(msg))
	case typ == "positions" || typ == "position_update":
		return positionEvent(payloadOf(msg))
	case controlTypes[typ]:
		return Event{Kind: EventControl}
	}

	channel := strings.ToLower(msg.Get("channel").String())
	switch {
	case strings.Contains(channel, "order"):
		return orderEvent(payloadOf(msg))
	case strings.Contains(channel, "position"):
		return positionEvent(payloadOf(msg))
	}

	switch strings.ToLower(msg.Get("event").String()) {
	case "order_update":
		return orderEvent(payloadOf(msg))
	case "position_update":
		return positionEvent(payloadOf(msg))
	}

	if hasAny(msg, orderKeys) {
		return orderEvent(msg)
	}
	if hasAny(msg, positionKeys) {
		return positionEvent(msg)
	}
	return Event{Kind: EventUnknown}
}

// payloadOf returns the data or result member when present, otherwise the
// message itself: Delta puts order fields at the top level.
func payloadOf(msg gjson.Result) gjson.Result {
	if v := msg.Get("data"); v.Exists() && (v.IsObject() || v.IsArray()) {
		return v
	}
	if v := msg.Get("result"); v.Exists() && (v.IsObject() || v.IsArray()) {
		return v
	}
	return msg
}

func hasAny(v gjson.Result, keys []string) bool {
	for _, k := range keys {
		if v.Get(k).Exists() {
			return true
		}
	}
	return false
}

func items(payload gjson.Result) []gjson.Result {
	if payload.IsArray() {
		return payload.Array()
	}
	return []gjson.Result{payload}
}

func orderEvent(payload gjson.Result) Event {
	ev := Event{Kind: EventOrder}
	for _, it := range items(payload) {
		if nested := it.Get("order"); nested.IsObject() {
			it = nested
		}
		u := models.OrderUpdate{
			ID:           first(it, "id", "order_id").Int(),
			Status:       models.ParseOrderStatus(first(it, "state", "status", "order_state").String()),
			Side:         models.OrderSide(strings.ToLower(it.Get("side").String())),
			Type:         orderType(it),
			ReduceOnly:   first(it, "reduce_only", "reduceOnly").Bool(),
			AvgFillPrice: first(it, "average_fill_price", "avg_fill_price", "avg_fill").Float(),
			FilledSize:   it.Get("filled_size").Float(),
			StopPrice:    first(it, "stop_price", "trigger_price").Float(),
		}
		if u.ID == 0 {
			continue
		}
		ev.Orders = append(ev.Orders, u)
	}
	return ev
}

func positionEvent(payload gjson.Result) Event {
	ev := Event{Kind: EventPosition}
	for _, it := range items(payload) {
		if nested := it.Get("position"); nested.IsObject() {
			it = nested
		}
		size := first(it, "size", "position_size", "quantity")
		if !size.Exists() {
			continue
		}
		snap := models.PositionSnapshot{
			Side:          models.ParseSide(first(it, "side", "direction").String()),
			Size:          size.Float(),
			AvgEntryPrice: first(it, "entry_price", "avg_entry_price", "average_entry_price").Float(),
			RealizedPnL:   optionalFloat(first(it, "realized_pnl", "realised_pnl")),
			UnrealizedPnL: optionalFloat(first(it, "unrealized_pnl", "unrealised_pnl")),
		}
		ev.Positions = append(ev.Positions, snap)
	}
	return ev
}

// orderType reads order_type, falling back to type unless that is the
// message discriminator itself.
func orderType(v gjson.Result) string {
	if t := v.Get("order_type"); t.Exists() {
		return t.String()
	}
	switch t := v.Get("type").String(); t {
	case "orders", "order_update":
		return ""
	default:
		return t
	}
}

// first returns the first of keys present in v.
func first(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}
