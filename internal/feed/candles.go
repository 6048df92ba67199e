package feed

import (
	"delta-trend-bot-go/internal/exchange"
	"delta-trend-bot-go/internal/models"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNotCandle marks messages on the public socket that carry no candle,
// such as subscription acknowledgements.
var ErrNotCandle = errors.New("not a candle message")

type channelSpec struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type subscribePayload struct {
	Channels []channelSpec `json:"channels"`
}

type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// CandleChannel is the public channel name for a candle resolution.
func CandleChannel(resolution string) string {
	return "candlestick_" + resolution
}

// SubscribeMessage encodes a subscription to channels for symbol.
func SubscribeMessage(symbol string, channels ...string) ([]byte, error) {
	specs := make([]channelSpec, 0, len(channels))
	for _, ch := range channels {
		specs = append(specs, channelSpec{Name: ch, Symbols: []string{symbol}})
	}
	return json.Marshal(wsMessage{Type: "subscribe", Payload: subscribePayload{Channels: specs}})
}

// AuthMessage encodes the private socket login. The signature covers
// "GET" + timestamp + "/live".
func AuthMessage(apiKey, secretKey string, now time.Time) ([]byte, error) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	return json.Marshal(wsMessage{
		Type: "auth",
		Payload: map[string]string{
			"api-key":   apiKey,
			"signature": exchange.Sign(secretKey, "GET"+timestamp+"/live"),
			"timestamp": timestamp,
		},
	})
}

// DecodeCandle turns one public socket message into a partial candle.
// Price and volume fields that are absent stay nil; the reconciler decides
// whether the update is usable.
func DecodeCandle(message []byte, channel string) (models.PartialCandle, error) {
	if !gjson.ValidBytes(message) {
		return models.PartialCandle{}, errors.New("invalid JSON")
	}
	msg := gjson.ParseBytes(message)
	if msg.Get("type").String() != channel {
		return models.PartialCandle{}, ErrNotCandle
	}

	var pc models.PartialCandle
	if v := msg.Get("candle_start_time"); v.Exists() {
		pc.StartTime = models.ParseExchangeTime(v.Int())
	}
	pc.Open = optionalFloat(msg.Get("open"))
	pc.High = optionalFloat(msg.Get("high"))
	pc.Low = optionalFloat(msg.Get("low"))
	pc.Close = optionalFloat(msg.Get("close"))
	pc.Volume = optionalFloat(msg.Get("volume"))
	pc.Closed = msg.Get("is_closed").Bool()
	return pc, nil
}

func optionalFloat(v gjson.Result) *float64 {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if v.Type == gjson.String {
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	f := v.Float()
	return &f
}
